// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package capture

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/steamlinux/runtime-forge/pkg/sessionerror"
	"github.com/steamlinux/runtime-forge/pkg/sylog"
)

// Options configures one invocation of the capture-libs helper (spec §4.7
// step 5's argument list).
type Options struct {
	HelperPath        string
	ContainerRoot     string
	ProviderPath      string
	RemapLinkPrefixes map[string]string // e.g. "/app/" -> "/run/host/app/"
	LibraryKnowledge  string            // optional --library-knowledge keyfile
	Deterministic     bool
}

// SearchPaths accumulates in-container search-path entries discovered
// while capturing one architecture's drivers (spec §4.7 step 7), keyed by
// logical driver set ("dri", "va-api", "vdpau", ...).
type SearchPaths struct {
	entries map[string][]string
}

// NewSearchPaths returns an empty accumulator.
func NewSearchPaths() *SearchPaths {
	return &SearchPaths{entries: map[string][]string{}}
}

// Append records one more in-container path for set.
func (s *SearchPaths) Append(set, path string) {
	for _, existing := range s.entries[set] {
		if existing == path {
			return
		}
	}
	s.entries[set] = append(s.entries[set], path)
}

// Paths returns the accumulated paths for set, in append order.
func (s *SearchPaths) Paths(set string) []string {
	return append([]string(nil), s.entries[set]...)
}

// ResolveCollisions implements spec §4.7 step 3: drivers sharing a
// basename, within one logical set, are assigned to numbered subdirectories
// so only one symlink per basename exists directly under dest. Numeric
// width is the minimum that fits len(group)-1, zero-padded.
func ResolveCollisions(candidates []*Candidate, deterministic bool) map[*Candidate]string {
	byBasename := map[string][]*Candidate{}
	order := []string{}
	for _, c := range candidates {
		if c.Kind != Absolute {
			continue
		}
		base := filepath.Base(c.ResolvedLibrary)
		if _, ok := byBasename[base]; !ok {
			order = append(order, base)
		}
		byBasename[base] = append(byBasename[base], c)
	}
	if deterministic {
		sort.Strings(order)
	}

	subdir := map[*Candidate]string{}
	for _, base := range order {
		group := byBasename[base]
		if len(group) == 1 {
			subdir[group[0]] = ""
			continue
		}
		if deterministic {
			sort.Slice(group, func(i, j int) bool {
				return group[i].ResolvedLibrary < group[j].ResolvedLibrary
			})
		}
		width := len(strconv.Itoa(len(group) - 1))
		for i, c := range group {
			subdir[c] = fmt.Sprintf("%0*d", width, i)
		}
	}
	return subdir
}

// CoalesceByInode implements spec §4.7 step 4: candidates whose resolved
// library shares (st_dev, st_ino) are captured once; the rest are recorded
// as aliases of the representative.
func CoalesceByInode(candidates []*Candidate) (representatives []*Candidate, aliasesOf map[*Candidate]*Candidate) {
	type key struct {
		dev, ino uint64
	}
	seen := map[key]*Candidate{}
	aliasesOf = map[*Candidate]*Candidate{}

	for _, c := range candidates {
		if c.Kind != Absolute {
			continue
		}
		fi, err := os.Stat(c.ResolvedLibrary)
		if err != nil {
			continue
		}
		st, ok := fi.Sys().(*syscall.Stat_t)
		if !ok {
			representatives = append(representatives, c)
			continue
		}
		k := key{dev: uint64(st.Dev), ino: st.Ino}
		if rep, dup := seen[k]; dup {
			aliasesOf[c] = rep
			continue
		}
		seen[k] = c
		representatives = append(representatives, c)
	}
	return representatives, aliasesOf
}

// Run invokes the capture-libs helper once for a batch of patterns,
// depositing symlinks under dest (spec §4.7 step 5).
func Run(ctx context.Context, opts Options, dest string, patterns []Pattern) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return sessionerror.IO("creating capture destination directory", err, false)
	}

	args := []string{
		"--container", opts.ContainerRoot,
		"--provider", opts.ProviderPath,
	}
	for from, to := range opts.RemapLinkPrefixes {
		args = append(args, fmt.Sprintf("--remap-link-prefix=%s=%s", from, to))
	}
	if opts.LibraryKnowledge != "" {
		args = append(args, "--library-knowledge", opts.LibraryKnowledge)
	}
	args = append(args, "--dest", dest)
	for _, p := range patterns {
		args = append(args, p.String())
	}

	cmd := exec.CommandContext(ctx, opts.HelperPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return sessionerror.Source("invoking capture-libs helper", fmt.Errorf("%s: %w (stderr: %s)", opts.HelperPath, err, stderr.String()))
	}
	return nil
}

// VerifyCapture implements spec §4.7 step 6: for each Absolute candidate,
// checks that a symlink named basename(ResolvedLibrary) now exists directly
// under destDir/subdir. Missing candidates are demoted to Absent and their
// empty numbered subdirectory (if any) is removed.
func VerifyCapture(destDir string, candidates []*Candidate, subdirOf map[*Candidate]string) {
	for _, c := range candidates {
		if c.Kind != Absolute {
			continue
		}
		dir := destDir
		if sub := subdirOf[c]; sub != "" {
			dir = filepath.Join(destDir, sub)
		}
		base := filepath.Base(c.ResolvedLibrary)
		full := filepath.Join(dir, base)

		var st unix.Stat_t
		if err := unix.Lstat(full, &st); err != nil {
			sylog.Infof("driver %s: capture did not produce %s, treating as absent", c.Driver.Name, full)
			c.Kind = Absent
			if sub := subdirOf[c]; sub != "" {
				_ = os.Remove(dir) // no-op unless empty
			}
			continue
		}
		c.PathInContainer = full
	}
}
