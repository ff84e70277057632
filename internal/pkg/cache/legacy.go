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

	"github.com/steamlinux/runtime-forge/pkg/sylog"
)

// legacyDirPatterns are historical temp/backup directory name globs left
// behind by older pressure-vessel-style runtimes, named for the two
// legacy Steam Runtime images ("scout" and "soldier").
var legacyDirPatterns = []string{
	"scout_before_*",
	"soldier_before_*",
	".scout_*_unpack-temp",
	".soldier_*_unpack-temp",
}

// legacySymlinkNames are dangling compatibility symlinks from the same era.
var legacySymlinkNames = []string{"scout", "soldier"}

// LegacyCleanup walks two parent directories above the cache (spec §4.2)
// looking for historical name patterns and dangling scout/soldier
// symlinks, removing anything it finds. Entirely best-effort: every failure
// is a warning, never fatal, and a missing parent directory is silently
// skipped.
func (d *Dir) LegacyCleanup() {
	parent := filepath.Dir(d.path)
	grandparent := filepath.Dir(parent)

	for _, dir := range []string{parent, grandparent} {
		cleanLegacyDir(dir)
	}
}

func cleanLegacyDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		full := filepath.Join(dir, name)

		for _, pattern := range legacyDirPatterns {
			if ok, _ := filepath.Match(pattern, name); ok {
				if err := os.RemoveAll(full); err != nil {
					sylog.Warningf("legacy cleanup: failed to remove %s: %s", full, err)
				} else {
					sylog.Debugf("legacy cleanup: removed %s", full)
				}
				break
			}
		}

		for _, symName := range legacySymlinkNames {
			if name != symName {
				continue
			}
			target, err := os.Readlink(full)
			if err != nil {
				// Not a symlink at all; leave it alone.
				continue
			}
			if _, err := os.Stat(full); err != nil && os.IsNotExist(err) {
				if err := os.Remove(full); err != nil {
					sylog.Warningf("legacy cleanup: failed to remove dangling symlink %s -> %s: %s", full, target, err)
				} else {
					sylog.Debugf("legacy cleanup: removed dangling symlink %s -> %s", full, target)
				}
			}
		}
	}
}
