// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package runtimesource

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/vbatts/go-mtree"

	"github.com/steamlinux/runtime-forge/pkg/sessionerror"
)

// ApplyManifest materializes a Kind == Manifest source's destDir/usr tree
// strictly from the entries listed in usr-mtree.txt(.gz), hardlinking (or,
// failing that, copying) regular files from s.SourceDir, creating
// directories, and recreating symlinks verbatim. Anything present under
// s.SourceDir but absent from the manifest is not materialized.
func (s *Source) ApplyManifest(destDir string) error {
	if s.Kind != Manifest {
		return fmt.Errorf("runtimesource: ApplyManifest called on a %s source", s.Kind)
	}

	spec, err := s.readSpec()
	if err != nil {
		return sessionerror.Source("parsing runtime manifest", err)
	}

	for _, entry := range spec.Entries {
		if entry.Type != mtree.RelativeType && entry.Type != mtree.FullType {
			continue
		}
		relPath, err := entry.Path()
		if err != nil {
			return sessionerror.Source("resolving manifest entry path", err)
		}
		if relPath == "." || relPath == "" {
			continue
		}

		kind := keywordValue(entry.Keywords, "type")
		dst := filepath.Join(destDir, relPath)

		switch kind {
		case "dir":
			mode := parseMode(keywordValue(entry.Keywords, "mode"))
			if err := os.MkdirAll(dst, mode); err != nil {
				return fmt.Errorf("while creating directory %s: %w", dst, err)
			}
		case "link":
			target := keywordValue(entry.Keywords, "link")
			if target == "" {
				return fmt.Errorf("manifest entry %s is a link with no link= keyword", relPath)
			}
			_ = os.Remove(dst)
			if err := os.Symlink(target, dst); err != nil {
				return fmt.Errorf("while symlinking %s -> %s: %w", dst, target, err)
			}
		case "file":
			src := filepath.Join(s.SourceDir, relPath)
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return fmt.Errorf("while creating parent of %s: %w", dst, err)
			}
			if err := os.Link(src, dst); err != nil {
				data, err := os.ReadFile(src)
				if err != nil {
					return fmt.Errorf("while materializing manifest file %s: %w", relPath, err)
				}
				mode := parseMode(keywordValue(entry.Keywords, "mode"))
				if err := os.WriteFile(dst, data, mode); err != nil {
					return fmt.Errorf("while materializing manifest file %s: %w", relPath, err)
				}
			}
		default:
			// Unknown keyword types (fifo, socket, char/block device) never
			// appear in a graphics runtime; skip rather than fail.
		}
	}

	return nil
}

func (s *Source) readSpec() (*mtree.DirectoryHierarchy, error) {
	f, err := os.Open(s.MtreePath)
	if err != nil {
		return nil, fmt.Errorf("while opening %s: %w", s.MtreePath, err)
	}
	defer f.Close()

	var r io.Reader = f
	if s.Gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("while decompressing %s: %w", s.MtreePath, err)
		}
		defer gz.Close()
		r = gz
	}

	spec, err := mtree.ParseSpec(r)
	if err != nil {
		return nil, fmt.Errorf("while parsing mtree spec: %w", err)
	}
	return spec, nil
}

func keywordValue(keywords []mtree.KeyVal, name string) string {
	for _, kv := range keywords {
		if string(kv.Keyword()) == name {
			return kv.Value()
		}
	}
	return ""
}

func parseMode(s string) os.FileMode {
	if s == "" {
		return 0o755
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0o755
	}
	return os.FileMode(v)
}
