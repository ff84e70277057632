// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package shadow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlanDirectBasenameClash(t *testing.T) {
	root := t.TempDir()
	libDir := filepath.Join(root, "lib", "x86_64-linux-gnu")
	overridesDir := filepath.Join(root, "overrides", "lib", "x86_64-linux-gnu")
	require.NoError(t, os.MkdirAll(libDir, 0o755))
	require.NoError(t, os.MkdirAll(overridesDir, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(libDir, "libEGL_mesa.so.0"), []byte("elf-ish"), 0o644))
	require.NoError(t, os.Symlink("/run/host/usr/lib/x86_64-linux-gnu/libEGL_mesa.so.0", filepath.Join(overridesDir, "libEGL_mesa.so.0")))

	decisions, err := Plan(libDir, overridesDir)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	require.Equal(t, "libEGL_mesa.so.0", decisions[0].Name)
	require.Equal(t, ReasonDirectBasenameClash, decisions[0].Reason)
}

func TestPlanIgnoresNonLibraryEntries(t *testing.T) {
	root := t.TempDir()
	libDir := filepath.Join(root, "lib")
	overridesDir := filepath.Join(root, "overrides")
	require.NoError(t, os.MkdirAll(libDir, 0o755))
	require.NoError(t, os.MkdirAll(overridesDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(libDir, "README"), []byte("x"), 0o644))

	decisions, err := Plan(libDir, overridesDir)
	require.NoError(t, err)
	require.Empty(t, decisions)
}

func TestApplyRemovesScheduledEntries(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "libfoo.so"), []byte("x"), 0o644))

	Apply(root, []Decision{{Name: "libfoo.so", Reason: ReasonDirectBasenameClash}})

	_, err := os.Stat(filepath.Join(root, "libfoo.so"))
	require.True(t, os.IsNotExist(err))
}

func TestSameFileDetectsCompatSymlink(t *testing.T) {
	root := t.TempDir()
	realDir := filepath.Join(root, "usr", "lib", "x86_64-linux-gnu")
	require.NoError(t, os.MkdirAll(realDir, 0o755))
	compat := filepath.Join(root, "lib", "x86_64-linux-gnu")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "lib"), 0o755))
	require.NoError(t, os.Symlink(realDir, compat))

	require.True(t, SameFile(realDir, compat))
}
