// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/steamlinux/runtime-forge/internal/pkg/archplan"
)

// archTokenResolver implements capture.DynamicTokenResolver by substituting
// the known ld.so string tokens for one active architecture and checking
// the result exists on disk, standing in for the dlopen probe spec.md §4.7
// step 2 describes (this core has no privileged dlopen surface of its
// own, so it performs the equivalent filesystem check instead).
type archTokenResolver struct {
	plan archplan.Plan
}

func (r archTokenResolver) ResolveToken(libraryPath string) (string, error) {
	libToken := libDirToken(r.plan.Tuple)
	candidate := libraryPath
	candidate = strings.ReplaceAll(candidate, "${LIB}", libToken)
	candidate = strings.ReplaceAll(candidate, "$LIB", libToken)
	candidate = strings.ReplaceAll(candidate, "${ORIGIN}", filepath.Dir(libraryPath))
	candidate = strings.ReplaceAll(candidate, "$ORIGIN", filepath.Dir(libraryPath))

	if !strings.Contains(candidate, "PLATFORM}") && !strings.Contains(candidate, "$PLATFORM") {
		if _, err := os.Stat(candidate); err != nil {
			return "", err
		}
		return candidate, nil
	}

	for _, token := range r.plan.PlatformTokens {
		withPlatform := strings.ReplaceAll(candidate, "${PLATFORM}", token)
		withPlatform = strings.ReplaceAll(withPlatform, "$PLATFORM", token)
		if _, err := os.Stat(withPlatform); err == nil {
			return withPlatform, nil
		}
	}
	return "", fmt.Errorf("no platform token matched an existing file for %s", libraryPath)
}

// libDirToken approximates glibc's $LIB dynamic string token expansion for
// the tuples this core supports.
func libDirToken(tuple string) string {
	switch tuple {
	case "x86_64-linux-gnu":
		return "lib64"
	case "i386-linux-gnu":
		return "lib32"
	default:
		return "lib"
	}
}
