// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/steamlinux/runtime-forge/internal/pkg/archplan"
)

func TestArchTokenResolverSubstitutesPlatformToken(t *testing.T) {
	dir := t.TempDir()
	haswellDir := filepath.Join(dir, "haswell")
	require.NoError(t, os.MkdirAll(haswellDir, 0o755))
	target := filepath.Join(haswellDir, "libfoo.so")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	r := archTokenResolver{plan: archplan.KnownPlans["x86_64-linux-gnu"]}
	resolved, err := r.ResolveToken(filepath.Join(dir, "${PLATFORM}", "libfoo.so"))
	require.NoError(t, err)
	require.Equal(t, target, resolved)
}

func TestArchTokenResolverFallsBackToSecondPlatformToken(t *testing.T) {
	dir := t.TempDir()
	x8664Dir := filepath.Join(dir, "x86_64")
	require.NoError(t, os.MkdirAll(x8664Dir, 0o755))
	target := filepath.Join(x8664Dir, "libfoo.so")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	r := archTokenResolver{plan: archplan.KnownPlans["x86_64-linux-gnu"]}
	resolved, err := r.ResolveToken(filepath.Join(dir, "${PLATFORM}", "libfoo.so"))
	require.NoError(t, err)
	require.Equal(t, target, resolved)
}

func TestArchTokenResolverErrorsWhenNoTokenMatches(t *testing.T) {
	dir := t.TempDir()
	r := archTokenResolver{plan: archplan.KnownPlans["x86_64-linux-gnu"]}
	_, err := r.ResolveToken(filepath.Join(dir, "${PLATFORM}", "libfoo.so"))
	require.Error(t, err)
}

func TestArchTokenResolverResolvesLibToken(t *testing.T) {
	dir := t.TempDir()
	lib64Dir := filepath.Join(dir, "lib64")
	require.NoError(t, os.MkdirAll(lib64Dir, 0o755))
	target := filepath.Join(lib64Dir, "libfoo.so")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	r := archTokenResolver{plan: archplan.KnownPlans["x86_64-linux-gnu"]}
	resolved, err := r.ResolveToken(filepath.Join(dir, "${LIB}", "libfoo.so"))
	require.NoError(t, err)
	require.Equal(t, target, resolved)
}
