// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package session ties every runtime-assembly component together: it is
// the RuntimeSession spec.md §9 calls for ("replace the GObject runtime
// class with an immutable RuntimeConfig and a session struct that owns
// dirfds and the mutable sysroot").
package session

import "github.com/steamlinux/runtime-forge/internal/pkg/drivers"

// Config is the immutable configuration a session is constructed from,
// corresponding to spec.md §6's input flags.
type Config struct {
	// RuntimeSource is either a directory (an existing deployment) or a
	// *.tar.gz archive path.
	RuntimeSource string

	// BuildIDSidecarPath and DebugSidecarPath accompany an archive source.
	BuildIDSidecarPath string
	DebugSidecarPath   string

	// CacheDir is the variable directory (cache root), created 0700 if
	// absent.
	CacheDir string

	// GraphicsProviderPath is the graphics provider's path, or "" to skip
	// graphics-stack capture entirely.
	GraphicsProviderPath string

	// ToolsDir is where the per-architecture capture-libs helper binaries
	// live.
	ToolsDir string

	// SandboxExecutorPath is required when CopyRuntime is false (no
	// mutable sysroot; the core hands a bind-mount op list to an external
	// executor instead of writing directly).
	SandboxExecutorPath string

	Enumerator drivers.Enumerator

	// Flags, named identically to spec.md §6.
	CopyRuntime           bool
	UnpackArchive         bool
	GCRuntimes            bool
	GenerateLocales       bool
	ImportVulkanLayers    bool
	FlatpakSubsandbox     bool
	InterpreterRoot       string
	Verbose               bool
	SingleThread          bool
	Deterministic         bool
	ProviderGraphicsStack bool
}

// Stats counts notable session events, surfaced at the end of a run
// (supplemented feature, see SPEC_FULL.md §3).
type Stats struct {
	ArchitecturesActive  int
	ArchitecturesSkipped int
	DriversCaptured      int
	DriversSkipped       int
	ShadowedLibraries    int
	CacheEntriesRemoved  int
}
