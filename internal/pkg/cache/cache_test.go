// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/steamlinux/runtime-forge/pkg/lock"
)

func openTestDir(t *testing.T) *Dir {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestValidateBuildID(t *testing.T) {
	require.NoError(t, ValidateBuildID("0.20230101.0"))
	require.NoError(t, ValidateBuildID("abc_def-123"))
	require.Error(t, ValidateBuildID(""))
	require.Error(t, ValidateBuildID(".leadingdot"))
	require.Error(t, ValidateBuildID("-leadingdash"))
}

func TestParseBuildIDSidecarTrimsOneNewline(t *testing.T) {
	id, err := ParseBuildIDSidecar([]byte("0.20230101.0\n"))
	require.NoError(t, err)
	require.Equal(t, "0.20230101.0", id)

	_, err = ParseBuildIDSidecar([]byte("0.20230101.0\n\n"))
	require.Error(t, err, "only a single trailing newline is tolerated")
}

func TestPromoteTempAndLookup(t *testing.T) {
	d := openTestDir(t)

	_, name, err := d.NewTemp()
	require.NoError(t, err)

	dep, err := d.PromoteTemp(name, "1.2.3")
	require.NoError(t, err)
	require.Equal(t, "1.2.3", dep.ID)

	found, ok := d.Lookup("1.2.3")
	require.True(t, ok)
	require.Equal(t, dep.Path, found.Path)
}

func TestGCRemovesUnusedEntries(t *testing.T) {
	d := openTestDir(t)

	_, nameA, err := d.NewTemp()
	require.NoError(t, err)
	depA, err := d.PromoteTemp(nameA, "deployA")
	require.NoError(t, err)

	_, nameB, err := d.NewTemp()
	require.NoError(t, err)
	depB, err := d.PromoteTemp(nameB, "deployB")
	require.NoError(t, err)

	_, nameC, err := d.NewTemp()
	require.NoError(t, err)
	depC, err := d.PromoteTemp(nameC, "deployC")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(depC.Path, "keep"), nil, 0o644))

	// Hold a read lock on deployA to simulate an in-use deployment.
	heldLock, ok, err := d.EntryRefLock(filepath.Base(depA.Path), lock.Read, false)
	require.NoError(t, err)
	require.True(t, ok)
	defer heldLock.Release()

	result, err := d.GC()
	require.NoError(t, err)

	require.Contains(t, result.Removed, filepath.Base(depB.Path))
	require.NotContains(t, result.Removed, filepath.Base(depA.Path))
	require.NotContains(t, result.Removed, filepath.Base(depC.Path))

	_, err = os.Stat(depB.Path)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(depA.Path)
	require.NoError(t, err)
	_, err = os.Stat(depC.Path)
	require.NoError(t, err)
}

func TestGCKeepsCurrentDeploymentByInode(t *testing.T) {
	d := openTestDir(t)

	_, name, err := d.NewTemp()
	require.NoError(t, err)
	dep, err := d.PromoteTemp(name, "current")
	require.NoError(t, err)

	result, err := d.GCKeeping(GCOptions{KeepPath: dep.Path})
	require.NoError(t, err)
	require.NotContains(t, result.Removed, filepath.Base(dep.Path))
}
