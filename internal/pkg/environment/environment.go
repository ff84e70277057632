// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package environment computes the container process's environment
// variables (spec.md §4.12): LD_LIBRARY_PATH, driver search-path
// variables, and the legacy Steam Runtime compatibility variables.
package environment

import (
	"strings"
)

// ArchitectureOutputs are the per-active-architecture accumulator values
// the Capture Pipeline and Manifest Emitter produced, in the order
// architectures were processed.
type ArchitectureOutputs struct {
	Tuple                 string
	OverridesLibDir       string // <overrides_in_container>/lib/<tuple>
	OverridesAliasesDir   string // <overrides_in_container>/lib/<tuple>/aliases
	LibGLDriversPath      []string
	LibVADriversPath      []string
	VulkanICDFiles        []string
	EglVendorFiles        []string
	EglExternalPlatformFiles []string
	PlatformSymlinkDir    string // <overrides>/lib/platform-${PLATFORM}, if created
}

// Options configures Build.
type Options struct {
	OverridesInContainerPath string
	Architectures            []ArchitectureOutputs
	ImportedVulkanLayer      bool
	IsLegacySteamRuntime     bool // runtime self-identifies as "scout"
}

// Build computes the final environment variable set as an ordered list of
// name/value pairs (order matters for reproducibility in deterministic
// mode, spec P7).
func Build(opts Options) []Var {
	var vars []Var

	vars = append(vars, Var{Name: "PATH", Value: "/usr/bin:/bin"})

	var ldLibraryPath []string
	var libGL, libVA []string
	var vulkanICDs, vulkanICDsLegacy, eglVendor, eglExtPlatform []string

	for _, a := range opts.Architectures {
		if a.OverridesLibDir != "" {
			ldLibraryPath = append(ldLibraryPath, a.OverridesLibDir)
		}
		if a.OverridesAliasesDir != "" {
			ldLibraryPath = append(ldLibraryPath, a.OverridesAliasesDir)
		}
		libGL = append(libGL, a.LibGLDriversPath...)
		libVA = append(libVA, a.LibVADriversPath...)
		vulkanICDs = append(vulkanICDs, a.VulkanICDFiles...)
		vulkanICDsLegacy = append(vulkanICDsLegacy, a.VulkanICDFiles...)
		eglVendor = append(eglVendor, a.EglVendorFiles...)
		eglExtPlatform = append(eglExtPlatform, a.EglExternalPlatformFiles...)
	}

	if len(ldLibraryPath) > 0 {
		vars = append(vars, Var{Name: "LD_LIBRARY_PATH", Value: strings.Join(ldLibraryPath, ":")})
	}
	if len(libGL) > 0 {
		vars = append(vars, Var{Name: "LIBGL_DRIVERS_PATH", Value: strings.Join(libGL, ":")})
	}
	if len(libVA) > 0 {
		vars = append(vars, Var{Name: "LIBVA_DRIVERS_PATH", Value: strings.Join(libVA, ":")})
	}
	if len(vulkanICDs) > 0 {
		vars = append(vars, Var{Name: "VK_DRIVER_FILES", Value: strings.Join(vulkanICDs, ":")})
		vars = append(vars, Var{Name: "VK_ICD_FILENAMES", Value: strings.Join(vulkanICDsLegacy, ":")})
	}
	if len(eglVendor) > 0 {
		vars = append(vars, Var{Name: "__EGL_VENDOR_LIBRARY_FILENAMES", Value: strings.Join(eglVendor, ":")})
	}
	if len(eglExtPlatform) > 0 {
		vars = append(vars, Var{Name: "__EGL_EXTERNAL_PLATFORM_CONFIG_FILENAMES", Value: strings.Join(eglExtPlatform, ":")})
	}

	if opts.OverridesInContainerPath != "" {
		vars = append(vars, Var{
			Name:  "VDPAU_DRIVER_PATH",
			Value: opts.OverridesInContainerPath + "/lib/platform-${PLATFORM}/vdpau",
		})
	}

	if opts.ImportedVulkanLayer && opts.OverridesInContainerPath != "" {
		vars = append(vars, Var{Name: "XDG_DATA_DIRS", Value: opts.OverridesInContainerPath + "/share", Prepend: true})
	}

	if opts.IsLegacySteamRuntime {
		vars = append(vars, Var{Name: "STEAM_RUNTIME", Value: "/"})
		vars = append(vars, Var{Name: "SDL_VIDEODRIVER", Unset: true})
	}

	return vars
}

// Var is one environment variable operation: a plain assignment, an unset,
// or a prepend onto an existing colon-separated variable.
type Var struct {
	Name    string
	Value   string
	Unset   bool
	Prepend bool
}
