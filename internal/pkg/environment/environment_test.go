// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package environment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func findVar(vars []Var, name string) (Var, bool) {
	for _, v := range vars {
		if v.Name == name {
			return v, true
		}
	}
	return Var{}, false
}

func TestBuildSearchPathClosure(t *testing.T) {
	vars := Build(Options{
		OverridesInContainerPath: "/overrides",
		Architectures: []ArchitectureOutputs{
			{Tuple: "x86_64-linux-gnu", OverridesLibDir: "/overrides/lib/x86_64-linux-gnu", OverridesAliasesDir: "/overrides/lib/x86_64-linux-gnu/aliases"},
		},
	})

	ld, ok := findVar(vars, "LD_LIBRARY_PATH")
	require.True(t, ok)
	require.Equal(t, "/overrides/lib/x86_64-linux-gnu:/overrides/lib/x86_64-linux-gnu/aliases", ld.Value)

	vdpau, ok := findVar(vars, "VDPAU_DRIVER_PATH")
	require.True(t, ok)
	require.Equal(t, "/overrides/lib/platform-${PLATFORM}/vdpau", vdpau.Value)
}

func TestBuildLegacySteamRuntimeVars(t *testing.T) {
	vars := Build(Options{IsLegacySteamRuntime: true})

	steamRuntime, ok := findVar(vars, "STEAM_RUNTIME")
	require.True(t, ok)
	require.Equal(t, "/", steamRuntime.Value)

	sdl, ok := findVar(vars, "SDL_VIDEODRIVER")
	require.True(t, ok)
	require.True(t, sdl.Unset)
}
