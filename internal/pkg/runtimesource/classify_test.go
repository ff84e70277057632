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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "usr-mtree.txt"), []byte("#mtree\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "files"), 0o755))

	src, err := Classify(dir)
	require.NoError(t, err)
	require.Equal(t, Manifest, src.Kind)
	require.True(t, src.RequiresMutableCopy)
	require.False(t, src.Gzipped)
	require.Equal(t, filepath.Join(dir, "files"), src.SourceDir)
}

func TestClassifyManifestGzipped(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "usr-mtree.txt.gz"), []byte("fake-gzip"), 0o644))

	src, err := Classify(dir)
	require.NoError(t, err)
	require.Equal(t, Manifest, src.Kind)
	require.True(t, src.Gzipped)
}

func TestClassifyFlatpakStyle(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "files"), 0o755))

	src, err := Classify(dir)
	require.NoError(t, err)
	require.Equal(t, FlatpakStyle, src.Kind)
	require.False(t, src.RequiresMutableCopy)
}

func TestClassifySysroot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "usr"), 0o755))

	src, err := Classify(dir)
	require.NoError(t, err)
	require.Equal(t, Sysroot, src.Kind)
	require.Equal(t, dir, src.SourceDir)
}

func TestClassifyMergedUsrFallback(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "lib"), 0o755))

	src, err := Classify(dir)
	require.NoError(t, err)
	require.Equal(t, MergedUsr, src.Kind)
}

func TestClassifyRejectsNonDirectory(t *testing.T) {
	_, err := Classify(filepath.Join(t.TempDir(), "does-not-exist"))
	require.Error(t, err)
}
