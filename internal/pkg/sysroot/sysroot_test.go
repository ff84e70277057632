// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package sysroot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/steamlinux/runtime-forge/internal/pkg/cache"
	"github.com/steamlinux/runtime-forge/internal/pkg/runtimesource"
)

func TestBuildFromMergedUsrSource(t *testing.T) {
	root := t.TempDir()
	sourceDir := filepath.Join(root, "merged")
	require.NoError(t, os.MkdirAll(filepath.Join(sourceDir, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "lib", "libfoo.so"), []byte("x"), 0o644))

	cacheDir, err := cache.Open(filepath.Join(root, "cache"))
	require.NoError(t, err)
	t.Cleanup(func() { cacheDir.Close() })

	src, err := runtimesource.Classify(sourceDir)
	require.NoError(t, err)
	require.Equal(t, runtimesource.MergedUsr, src.Kind)

	r, err := Build(cacheDir, src, nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Discard() })

	_, err = os.Stat(filepath.Join(r.UsrPath(), "lib", "libfoo.so"))
	require.NoError(t, err)

	fi, err := os.Lstat(filepath.Join(r.Path(), "lib"))
	require.NoError(t, err)
	require.True(t, fi.Mode()&os.ModeSymlink != 0)
}
