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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/steamlinux/runtime-forge/internal/pkg/drivers"
)

func TestPatternString(t *testing.T) {
	require.Equal(t, "if-exists:path:/usr/lib/libEGL_mesa.so.0", AbsolutePattern("/usr/lib/libEGL_mesa.so.0").String())
	require.Equal(t, "if-exists:soname:libvulkan_radeon.so", SonamePattern("libvulkan_radeon.so").String())
}

func TestClassify(t *testing.T) {
	result := Classify([]drivers.Driver{
		{Name: "absolute", LibraryPathRaw: "/usr/lib/x86_64-linux-gnu/libEGL_mesa.so.0"},
		{Name: "soname", LibraryPathRaw: "libvulkan_radeon.so"},
		{Name: "meta", LibraryPathRaw: ""},
	})
	require.Equal(t, Absolute, result[0].Kind)
	require.Equal(t, Soname, result[1].Kind)
	require.Equal(t, MetaLayer, result[2].Kind)
}

type fakeResolver struct {
	resolved string
	err      error
}

func (f fakeResolver) ResolveToken(string) (string, error) { return f.resolved, f.err }

func TestResolveDynamicTokensCurrentNamespace(t *testing.T) {
	candidates := []Candidate{{Kind: Absolute, ResolvedLibrary: "/usr/lib/${PLATFORM}/libfoo.so"}}
	ResolveDynamicTokens(candidates, true, fakeResolver{resolved: "/usr/lib/haswell/libfoo.so"})
	require.Equal(t, "/usr/lib/haswell/libfoo.so", candidates[0].ResolvedLibrary)
	require.Equal(t, Absolute, candidates[0].Kind)
}

func TestResolveDynamicTokensNonCurrentNamespaceSkips(t *testing.T) {
	candidates := []Candidate{{Kind: Absolute, ResolvedLibrary: "/usr/lib/${PLATFORM}/libfoo.so"}}
	ResolveDynamicTokens(candidates, false, fakeResolver{})
	require.Equal(t, Absent, candidates[0].Kind)
}

func TestResolveCollisionsAssignsNumberedSubdirs(t *testing.T) {
	a := &Candidate{Kind: Absolute, ResolvedLibrary: "/run/host/usr/lib/a/libfoo.so"}
	b := &Candidate{Kind: Absolute, ResolvedLibrary: "/run/host/usr/lib/b/libfoo.so"}
	c := &Candidate{Kind: Absolute, ResolvedLibrary: "/run/host/usr/lib/c/libbar.so"}

	subdirs := ResolveCollisions([]*Candidate{a, b, c}, true)
	require.NotEqual(t, subdirs[a], subdirs[b])
	require.Equal(t, "", subdirs[c])
}
