// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package manifest implements the Manifest Emitter (spec.md §4.10): for
// each enumerated ICD/layer, either rewrites the provider's JSON with the
// in-container library path, or re-exports the original JSON verbatim,
// into overrides/share/<subdir>/.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/steamlinux/runtime-forge/pkg/sessionerror"
)

// Entry is one manifest to emit.
type Entry struct {
	// SourcePath is the provider-namespace path of the original JSON.
	SourcePath string

	// Rewrite is true when the manifest must be parsed and its
	// library_path field replaced (kind == Absolute); false means the
	// original file is copied/bound verbatim (kind == Soname or
	// MetaLayer).
	Rewrite bool

	// LibraryPathInContainer is the in-container captured path used when
	// Rewrite is true.
	LibraryPathInContainer string

	// Tuple, when non-empty, is appended to the rewritten filename (used
	// by ICD manifests, spec's seed test 4: "0-x86_64-linux-gnu.json").
	Tuple string
}

// icdManifest is the minimal subset of an EGL/Vulkan ICD JSON manifest this
// core needs to round-trip; unknown fields are preserved via a raw map.
type icdManifest map[string]json.RawMessage

// Emit writes entries into destDir, numbering files 0..N-1 with digits
// zero-padded to the width needed by len(entries) (spec §4.10, "Digits are
// zero-padded to the width needed by the list length"). Returns the
// in-container path written for each entry, in the same order.
func Emit(destDir string, entries []Entry) ([]string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, sessionerror.IO("creating manifest destination directory", err, false)
	}

	width := len(strconv.Itoa(max(len(entries)-1, 0)))
	results := make([]string, len(entries))

	for i, e := range entries {
		var name string
		if e.Tuple != "" {
			name = fmt.Sprintf("%0*d-%s.json", width, i, e.Tuple)
		} else {
			name = fmt.Sprintf("%0*d.json", width, i)
		}
		dest := filepath.Join(destDir, name)

		if e.Rewrite {
			if err := rewriteLibraryPath(e.SourcePath, dest, e.LibraryPathInContainer); err != nil {
				return nil, sessionerror.Source("rewriting driver manifest", err)
			}
		} else {
			if err := copyVerbatim(e.SourcePath, dest); err != nil {
				return nil, sessionerror.Source("re-exporting driver manifest", err)
			}
		}
		results[i] = dest
	}

	return results, nil
}

func rewriteLibraryPath(srcPath, destPath, libraryPathInContainer string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("while reading %s: %w", srcPath, err)
	}

	var m icdManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("while parsing %s: %w", srcPath, err)
	}

	if raw, ok := m["ICD"]; ok {
		var icd map[string]json.RawMessage
		if err := json.Unmarshal(raw, &icd); err == nil {
			icd["library_path"] = quoteJSONString(libraryPathInContainer)
			rewritten, err := json.Marshal(icd)
			if err == nil {
				m["ICD"] = rewritten
			}
		}
	}
	if _, ok := m["library_path"]; ok {
		m["library_path"] = quoteJSONString(libraryPathInContainer)
	}

	out, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return fmt.Errorf("while re-encoding %s: %w", destPath, err)
	}
	return os.WriteFile(destPath, out, 0o644)
}

func quoteJSONString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func copyVerbatim(srcPath, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("while opening %s: %w", srcPath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("while creating %s: %w", destPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("while copying %s to %s: %w", srcPath, destPath, err)
	}
	return nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
