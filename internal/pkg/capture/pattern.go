// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package capture

import "fmt"

// Pattern builds one capture-libs pattern string in the grammar of
// spec.md §3 ("Capture Pattern"):
//
//	[ "no-dependencies:" | "only-dependencies:" ] [ "even-if-older:" ]
//	"if-exists:" [ "if-same-abi:" ]
//	( "path:" ABSPATH | "path-match:" GLOB | "soname:" NAME
//	| "soname-match:" GLOB | "exact-soname:" NAME | "gl:" )
type Pattern struct {
	NoDependencies   bool
	OnlyDependencies bool
	EvenIfOlder      bool
	IfExists         bool
	IfSameABI        bool

	// Exactly one of these selectors is set.
	Path         string
	PathMatch    string
	Soname       string
	SonameMatch  string
	ExactSoname  string
	GL           bool
}

// String renders the pattern in the grammar the capture-libs helper
// expects on its argument list.
func (p Pattern) String() string {
	var prefix string
	switch {
	case p.NoDependencies:
		prefix += "no-dependencies:"
	case p.OnlyDependencies:
		prefix += "only-dependencies:"
	}
	if p.EvenIfOlder {
		prefix += "even-if-older:"
	}
	if p.IfExists {
		prefix += "if-exists:"
	}
	if p.IfSameABI {
		prefix += "if-same-abi:"
	}

	switch {
	case p.Path != "":
		return prefix + "path:" + p.Path
	case p.PathMatch != "":
		return prefix + "path-match:" + p.PathMatch
	case p.Soname != "":
		return prefix + "soname:" + p.Soname
	case p.SonameMatch != "":
		return prefix + "soname-match:" + p.SonameMatch
	case p.ExactSoname != "":
		return prefix + "exact-soname:" + p.ExactSoname
	case p.GL:
		return prefix + "gl:"
	default:
		return prefix
	}
}

// AbsolutePattern returns the if-exists:path: pattern used for a single
// Absolute-kind driver capture.
func AbsolutePattern(path string) Pattern {
	return Pattern{IfExists: true, Path: path}
}

// SonamePattern returns the if-exists:soname: pattern used for batching
// Soname-kind drivers in one bulk capture call.
func SonamePattern(name string) Pattern {
	return Pattern{IfExists: true, Soname: name}
}

func (p Pattern) GoString() string {
	return fmt.Sprintf("Pattern(%q)", p.String())
}
