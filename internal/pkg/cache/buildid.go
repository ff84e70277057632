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
	"fmt"
	"os"
	"regexp"
)

// buildIDPattern matches spec.md §3's Deployment identifier charset:
// alphanumerics, '.', '-', '_', never leading with a punctuation character.
var buildIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateBuildID reports whether id is a legal deployment build-id.
func ValidateBuildID(id string) error {
	if !buildIDPattern.MatchString(id) {
		return fmt.Errorf("invalid build-id %q: must start with an alphanumeric and contain only alphanumerics, '.', '-', '_'", id)
	}
	return nil
}

// ParseBuildIDSidecar parses the contents of a *-buildid.txt sidecar file:
// strict charset validation, with a single trailing newline tolerated.
func ParseBuildIDSidecar(data []byte) (string, error) {
	s := string(data)
	if len(s) > 0 && s[len(s)-1] == '\n' {
		s = s[:len(s)-1]
	}
	if err := ValidateBuildID(s); err != nil {
		return "", err
	}
	return s, nil
}

// ReadBuildIDSidecar reads and parses the sidecar file at path.
func ReadBuildIDSidecar(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("while reading build-id sidecar %s: %w", path, err)
	}
	return ParseBuildIDSidecar(data)
}
