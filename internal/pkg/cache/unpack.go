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
	"strings"

	da "github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/idtools"

	"github.com/steamlinux/runtime-forge/pkg/lock"
	"github.com/steamlinux/runtime-forge/pkg/sessionerror"
	"github.com/steamlinux/runtime-forge/pkg/sylog"
)

// UnpackArchive implements spec.md §4.3: given a *.tar.gz archive and its
// *-buildid.txt sidecar (and an optional *-debug.tar.gz sidecar), produce a
// deploy-<id> directory, taking the fast path if it already exists and
// otherwise unpacking under a blocking write lock on the cache.
func (d *Dir) UnpackArchive(archivePath, buildIDSidecarPath, debugSidecarPath string) (*Deployment, error) {
	if !strings.HasSuffix(archivePath, ".tar.gz") {
		return nil, sessionerror.Source("classifying runtime archive", fmt.Errorf("%s is not a .tar.gz archive", archivePath))
	}
	fi, err := os.Stat(archivePath)
	if err != nil {
		return nil, sessionerror.Source("statting runtime archive", err)
	}
	if !fi.Mode().IsRegular() {
		return nil, sessionerror.Source("classifying runtime archive", fmt.Errorf("%s is not a regular file", archivePath))
	}

	id, err := ReadBuildIDSidecar(buildIDSidecarPath)
	if err != nil {
		return nil, sessionerror.Source("parsing build-id sidecar", err)
	}

	if dep, ok := d.Lookup(id); ok {
		return dep, nil
	}

	writeLock, acquired, err := d.RefLock(lock.Write, true)
	if err != nil {
		return nil, fmt.Errorf("while taking blocking cache write lock: %w", err)
	}
	if !acquired {
		return nil, sessionerror.LockContentionFatal("unpacking archive", fmt.Errorf("blocking lock somehow not acquired"))
	}
	defer writeLock.Release()

	// Re-check the fast path: another process may have finished unpacking
	// the same build-id while we waited for the lock.
	if dep, ok := d.Lookup(id); ok {
		return dep, nil
	}

	tempPath, tempName, err := d.NewTemp()
	if err != nil {
		return nil, fmt.Errorf("while creating staging directory: %w", err)
	}

	success := false
	defer func() {
		if !success {
			if rmErr := d.RemoveTemp(tempName); rmErr != nil {
				sylog.Warningf("failed to remove staging directory %s after unpack failure: %s", tempName, rmErr)
			}
		}
	}()

	if err := extractTarGz(archivePath, tempPath); err != nil {
		return nil, sessionerror.Source("extracting runtime archive", err)
	}

	if debugSidecarPath != "" {
		if _, statErr := os.Stat(debugSidecarPath); statErr == nil {
			debugDest := tempPath + "/files/lib/debug"
			if mkErr := os.MkdirAll(debugDest, 0o755); mkErr != nil {
				sylog.Warningf("could not create debug symbol destination: %s", mkErr)
			} else if extractErr := extractTarGz(debugSidecarPath, debugDest); extractErr != nil {
				// Best-effort per spec §4.3 step 3: a debug sidecar failure
				// is a warning, not fatal.
				sylog.Warningf("failed to extract debug symbols from %s: %s", debugSidecarPath, extractErr)
			}
		}
	}

	dep, err := d.PromoteTemp(tempName, id)
	if err != nil {
		return nil, fmt.Errorf("while promoting staged deployment: %w", err)
	}
	success = true
	return dep, nil
}

// extractTarGz extracts a gzip-compressed tar archive into dest, squashing
// ownership to the current uid/gid when running unprivileged (mirrors
// pkg/util/archive.CopyWithTar's unprivileged handling).
func extractTarGz(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("while opening %s: %w", archivePath, err)
	}
	defer f.Close()

	opts := &da.TarOptions{}
	euid, egid := os.Geteuid(), os.Getgid()
	if euid != 0 || egid != 0 {
		opts.IDMap = idtools.IdentityMapping{}
		opts.ChownOpts = &idtools.Identity{UID: euid, GID: egid}
	}

	if err := da.Untar(f, dest, opts); err != nil {
		return fmt.Errorf("while extracting %s into %s: %w", archivePath, dest, err)
	}
	return nil
}
