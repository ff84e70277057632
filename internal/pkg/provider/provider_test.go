// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package provider

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenAndRemap(t *testing.T) {
	dir := t.TempDir()
	v, err := Open(dir, false)
	require.NoError(t, err)
	defer v.Close()

	require.Equal(t, "/run/host", v.InContainerPrefix())

	remapped, err := v.RemapToContainer(filepath.Join(dir, "usr", "lib", "libfoo.so"))
	require.NoError(t, err)
	require.Equal(t, "/run/host/usr/lib/libfoo.so", remapped)

	_, err = v.RemapToContainer("/not/under/provider")
	require.Error(t, err)
}

func TestOpenFlatpakSubsandboxPrefix(t *testing.T) {
	dir := t.TempDir()
	v, err := Open(dir, true)
	require.NoError(t, err)
	defer v.Close()
	require.Equal(t, "/run/parent", v.InContainerPrefix())
}
