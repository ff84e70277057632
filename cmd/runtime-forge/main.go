// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Command runtime-forge assembles a self-consistent /usr tree for a
// sandboxed game process, combining a read-only base runtime with
// graphics-stack libraries harvested from a graphics provider, and prints
// the resulting sandbox argument list and environment for an external
// sandbox executor to consume.
package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/steamlinux/runtime-forge/internal/pkg/session"
	"github.com/steamlinux/runtime-forge/pkg/sylog"
)

var cfg session.Config

func main() {
	if err := rootCmd().Execute(); err != nil {
		sylog.Fatalf("%s", err)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runtime-forge",
		Short: "Assemble a runtime /usr tree from a base image and a graphics provider",
		RunE:  runSession,
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.RuntimeSource, "runtime", "", "deployment directory or *.tar.gz archive")
	flags.StringVar(&cfg.BuildIDSidecarPath, "buildid-file", "", "*-buildid.txt sidecar for an archive runtime")
	flags.StringVar(&cfg.DebugSidecarPath, "debug-archive", "", "*-debug.tar.gz sidecar for an archive runtime")
	flags.StringVar(&cfg.CacheDir, "variable-dir", "", "cache directory (created 0700 if absent)")
	flags.StringVar(&cfg.GraphicsProviderPath, "graphics-provider", "", "graphics provider root, or empty to skip graphics-stack capture")
	flags.StringVar(&cfg.ToolsDir, "tools-dir", "", "directory containing the per-architecture capture-libs helpers")
	flags.StringVar(&cfg.SandboxExecutorPath, "sandbox-executor", "", "external sandbox executor path (required unless --copy-runtime)")
	flags.StringVar(&cfg.InterpreterRoot, "interpreter-root", "", "FEX-style interpreter root overlay path")
	flags.BoolVar(&cfg.CopyRuntime, "copy-runtime", false, "materialize a mutable, session-private copy of the runtime")
	flags.BoolVar(&cfg.UnpackArchive, "unpack-archive", false, "unpack --runtime into the cache if it is an archive")
	flags.BoolVar(&cfg.GCRuntimes, "gc-runtimes", false, "garbage-collect unused cache entries after the mutable sysroot is built")
	flags.BoolVar(&cfg.GenerateLocales, "generate-locales", false, "recorded in the session config; no locale data is generated")
	flags.BoolVar(&cfg.ImportVulkanLayers, "import-vulkan-layers", false, "prepend the imported Vulkan layers' data directory to XDG_DATA_DIRS (layer manifests are exported either way)")
	flags.BoolVar(&cfg.FlatpakSubsandbox, "flatpak-subsandbox", false, "the provider is exposed via a Flatpak subsandbox")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", false, "increase log verbosity")
	flags.BoolVar(&cfg.SingleThread, "single-thread", false, "disable concurrent driver enumeration")
	flags.BoolVar(&cfg.Deterministic, "deterministic", false, "sort driver basename-collision groups so numbered subdirectories are assigned in a stable order")
	flags.BoolVar(&cfg.ProviderGraphicsStack, "provider-graphics-stack", false, "recorded in the session config; no code reads it")

	return cmd
}

func runSession(cmd *cobra.Command, args []string) error {
	if cfg.Verbose {
		sylog.SetLevel(int(sylog.DebugLevel), false)
	}

	s, err := session.New(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	result, err := s.Run(context.Background())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "    ")
	return enc.Encode(struct {
		Args  interface{} `json:"args"`
		Env   interface{} `json:"env"`
		Stats interface{} `json:"stats"`
	}{
		Args:  result.Args.Entries(),
		Env:   result.Env,
		Stats: result.Stats,
	})
}
