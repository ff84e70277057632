// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package capture drives the external capture-libs helper: it classifies
// each enumerated driver, batches SONAME-only lookups, resolves dynamic
// linker tokens, resolves basename collisions into numbered subdirectories,
// and invokes the helper to deposit symlinks into the overrides tree (spec
// §4.7).
package capture

import (
	"path/filepath"
	"strings"

	"github.com/steamlinux/runtime-forge/internal/pkg/drivers"
	"github.com/steamlinux/runtime-forge/pkg/sylog"
)

// Kind is the per-ABI classification of a driver's resolved library.
type Kind int

const (
	Absent Kind = iota
	Absolute
	Soname
	MetaLayer
)

func (k Kind) String() string {
	switch k {
	case Absolute:
		return "absolute"
	case Soname:
		return "soname"
	case MetaLayer:
		return "meta-layer"
	default:
		return "absent"
	}
}

// Candidate is one Driver narrowed to classification state for a single
// active architecture; the core's in-memory analogue of spec.md's Driver
// Record per-ABI slots.
type Candidate struct {
	Driver           drivers.Driver
	Kind             Kind
	ResolvedLibrary  string // absolute path, SONAME, or "" if unset
	PathInContainer  string // set only once Kind == Absolute and capture succeeds
}

// dynamicTokens are the ld.so string tokens that cannot be resolved by the
// external helper and instead require a dlopen probe in the launcher's own
// namespace (spec §4.7 step 2).
var dynamicTokens = []string{"${LIB}", "${PLATFORM}", "${ORIGIN}", "$LIB", "$PLATFORM", "$ORIGIN"}

// Classify sorts raw driver records into Absolute/Soname/MetaLayer
// candidates (spec §4.7 step 1). A driver whose CheckError is non-nil is
// logged and kept as an Absent candidate.
func Classify(all []drivers.Driver) []Candidate {
	out := make([]Candidate, 0, len(all))
	for _, d := range all {
		c := Candidate{Driver: d}
		if err := d.CheckError(); err != nil {
			sylog.Infof("skipping %s: %s", d.Name, err)
			c.Kind = Absent
			out = append(out, c)
			continue
		}
		raw := d.ResolveLibraryPath()

		switch {
		case raw == "":
			c.Kind = MetaLayer
		case filepath.IsAbs(raw):
			c.Kind = Absolute
			c.ResolvedLibrary = raw
		default:
			c.Kind = Soname
			c.ResolvedLibrary = raw
		}
		out = append(out, c)
	}
	return out
}

// hasDynamicToken reports whether path still contains an unresolved ld.so
// string token.
func hasDynamicToken(path string) bool {
	for _, tok := range dynamicTokens {
		if strings.Contains(path, tok) {
			return true
		}
	}
	return false
}

// DynamicTokenResolver probes the launcher's own namespace to discover the
// real path behind a dynamic-token library (spec §4.7 step 2). Implemented
// separately so tests can substitute a fake without actually dlopen-ing
// anything.
type DynamicTokenResolver interface {
	ResolveToken(libraryPath string) (string, error)
}

// ResolveDynamicTokens replaces each candidate's dynamic-token path with the
// probed real path when the provider is the launcher's own namespace;
// otherwise the candidate is demoted to Absent with a log line (spec §4.7
// step 2).
func ResolveDynamicTokens(candidates []Candidate, isCurrentNamespace bool, resolver DynamicTokenResolver) {
	for i := range candidates {
		c := &candidates[i]
		if c.Kind != Absolute || !hasDynamicToken(c.ResolvedLibrary) {
			continue
		}
		if !isCurrentNamespace {
			sylog.Infof("skipping %s: dynamic-token library path %s cannot be resolved against a non-current-namespace provider", c.Driver.Name, c.ResolvedLibrary)
			c.Kind = Absent
			continue
		}
		resolved, err := resolver.ResolveToken(c.ResolvedLibrary)
		if err != nil {
			sylog.Infof("skipping %s: could not resolve dynamic-token library path %s: %s", c.Driver.Name, c.ResolvedLibrary, err)
			c.Kind = Absent
			continue
		}
		c.ResolvedLibrary = resolved
	}
}
