// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package archplan holds the per-architecture constants of spec.md §4.6 and
// the activation test that decides which ABIs are live in a session.
package archplan

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/steamlinux/runtime-forge/pkg/sylog"
)

// Plan is the immutable per-ABI record: Debian multiarch tuple, multilib
// search list, platform-token aliases, ld.so path, and the capture-libs
// helper path for this ABI.
type Plan struct {
	Tuple              string
	MultilibSearchList []string
	PlatformTokens     []string
	LdSoPath           string
	CaptureLibsHelper  string

	// LibraryKnowledgePath is an optional external library-classification
	// keyfile passed through to the capture-libs helper for this ABI, when
	// the runtime ships one (supplemented feature, see SPEC_FULL.md §3).
	LibraryKnowledgePath string

	// AltLdSoCachePaths are OS-specific alternate ld.so.cache locations
	// (Clear Linux, Exherbo) that also need the indirection symlink.
	AltLdSoCachePaths []string
}

// KnownPlans are the baked-in records for the ABIs this core supports.
// Multilib search lists and platform tokens are taken from glibc's own
// dynamic linker search conventions for each tuple.
var KnownPlans = map[string]Plan{
	"x86_64-linux-gnu": {
		Tuple: "x86_64-linux-gnu",
		MultilibSearchList: []string{
			"/lib/x86_64-linux-gnu", "/usr/lib/x86_64-linux-gnu",
			"/lib64", "/usr/lib64", "/lib", "/usr/lib",
		},
		PlatformTokens:    []string{"haswell", "x86_64"},
		LdSoPath:          "/lib64/ld-linux-x86-64.so.2",
		CaptureLibsHelper: "x86_64-linux-gnu/capture-libs",
		AltLdSoCachePaths: []string{"/var/cache/ldconfig/ld.so.cache"},
	},
	"i386-linux-gnu": {
		Tuple: "i386-linux-gnu",
		MultilibSearchList: []string{
			"/lib/i386-linux-gnu", "/usr/lib/i386-linux-gnu",
			"/lib32", "/usr/lib32", "/lib", "/usr/lib",
		},
		PlatformTokens:    []string{"i686", "i586", "i486", "i386"},
		LdSoPath:          "/lib/ld-linux.so.2",
		CaptureLibsHelper: "i386-linux-gnu/capture-libs",
		AltLdSoCachePaths: []string{"/var/cache/ldconfig/ld.so.cache"},
	},
}

// ActiveArchitecture is a Plan that passed the activation test for this
// session, paired with the raw ld.so path its helper reported.
type ActiveArchitecture struct {
	Plan        Plan
	ReportedLdSo string
}

// Activate runs the architecture activation test (`<helper> --print-ld.so`)
// for every candidate plan, logging and dropping any that fail or return
// empty output. An empty result means the caller should treat the session
// as having no common architecture.
func Activate(ctx context.Context, toolsDir string, candidates []Plan) ([]ActiveArchitecture, error) {
	var active []ActiveArchitecture
	for _, plan := range candidates {
		reported, err := probeLdSo(ctx, toolsDir, plan)
		if err != nil {
			sylog.Infof("architecture %s inactive: %s", plan.Tuple, err)
			continue
		}
		active = append(active, ActiveArchitecture{Plan: plan, ReportedLdSo: reported})
	}
	return active, nil
}

func probeLdSo(ctx context.Context, toolsDir string, plan Plan) (string, error) {
	helperPath := plan.CaptureLibsHelper
	if toolsDir != "" {
		helperPath = toolsDir + "/" + helperPath
	}

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, helperPath, "--print-ld.so")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s --print-ld.so failed: %w (stderr: %s)", helperPath, err, strings.TrimSpace(stderr.String()))
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return "", fmt.Errorf("%s --print-ld.so returned no output", helperPath)
	}
	return out, nil
}
