// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package treecopy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCopyPreservesTreeShape(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "copy")

	require.NoError(t, os.MkdirAll(filepath.Join(src, "usr", "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "usr", "lib", "libfoo.so"), []byte("fake elf"), 0o644))
	require.NoError(t, os.Symlink("libfoo.so", filepath.Join(src, "usr", "lib", "libfoo.so.1")))

	stats, err := Copy(src, dst)
	require.NoError(t, err)
	require.Equal(t, 1, stats.RegularFiles)
	require.Equal(t, 1, stats.Symlinks)

	content, err := os.ReadFile(filepath.Join(dst, "usr", "lib", "libfoo.so"))
	require.NoError(t, err)
	require.Equal(t, "fake elf", string(content))

	target, err := os.Readlink(filepath.Join(dst, "usr", "lib", "libfoo.so.1"))
	require.NoError(t, err)
	require.Equal(t, "libfoo.so", target)
}

func TestCopyRejectsNonDirectorySource(t *testing.T) {
	src := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	_, err := Copy(src, filepath.Join(t.TempDir(), "dst"))
	require.Error(t, err)
}
