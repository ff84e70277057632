// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package sysroot builds and owns the Mutable Sysroot: a writable,
// session-private copy-on-write tree rooted at a directory fd, assembled
// from a classified runtime source per spec.md §4.5.
package sysroot

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/steamlinux/runtime-forge/internal/pkg/cache"
	"github.com/steamlinux/runtime-forge/internal/pkg/runtimesource"
	"github.com/steamlinux/runtime-forge/internal/pkg/treecopy"
	"github.com/steamlinux/runtime-forge/pkg/lock"
	"github.com/steamlinux/runtime-forge/pkg/sessionerror"
	"github.com/steamlinux/runtime-forge/pkg/sylog"
)

// topLevelMergeNames are the top-level names that get a symlink into usr/
// once a sysroot's shape is established (spec §4.5 step 6). libexec is
// explicitly excluded: apptainer's own merged-usr handling treats it the
// same way, since nothing outside usr/libexec ever expects a top-level
// libexec symlink.
var topLevelMergeNames = []string{"bin", "etc", "lib", "lib32", "lib64", "libx32", "sbin", "var"}

// Root is an opened Mutable Sysroot: a directory fd rooted tree with its own
// runtime lock, independent of the cache lock that protected its source.
type Root struct {
	path        string
	dirfd       int
	runtimeLock *lock.Lock
	cacheDir    *cache.Dir
	tempName    string
}

// Path returns the sysroot's root directory on the host filesystem.
func (r *Root) Path() string { return r.path }

// UsrPath returns the sysroot's /usr directory.
func (r *Root) UsrPath() string { return filepath.Join(r.path, "usr") }

// DirFD returns the O_PATH|O_DIRECTORY descriptor rooted at the sysroot.
func (r *Root) DirFD() int { return r.dirfd }

// RuntimeLock returns the session's lock on usr/.ref, held for the
// sysroot's entire lifetime.
func (r *Root) RuntimeLock() *lock.Lock { return r.runtimeLock }

// Discard removes the sysroot's temp directory and releases its lock,
// implementing spec §5's "no partial mutable-sysroot is ever exposed"
// cancellation guarantee.
func (r *Root) Discard() error {
	if r.runtimeLock != nil {
		r.runtimeLock.Release()
	}
	if r.dirfd > 0 {
		unix.Close(r.dirfd)
	}
	if r.cacheDir != nil && r.tempName != "" {
		return r.cacheDir.RemoveTemp(r.tempName)
	}
	return nil
}

// Build implements spec.md §4.5: creates a tmp-XXXXXX under cacheDir, holding
// a blocking read lock on the source deployment, and populates it according
// to the source's classification.
func Build(cacheDir *cache.Dir, src *runtimesource.Source, sourceReadLock *lock.Lock) (*Root, error) {
	tempPath, tempName, err := cacheDir.NewTemp()
	if err != nil {
		return nil, fmt.Errorf("while allocating mutable sysroot staging directory: %w", err)
	}

	success := false
	defer func() {
		if !success {
			if rmErr := cacheDir.RemoveTemp(tempName); rmErr != nil {
				sylog.Warningf("failed to remove mutable sysroot staging directory %s: %s", tempName, rmErr)
			}
		}
	}()

	switch src.Kind {
	case runtimesource.Manifest:
		if err := os.MkdirAll(filepath.Join(tempPath, "usr"), 0o755); err != nil {
			return nil, sessionerror.IO("creating usr/ in staging sysroot", err, false)
		}
		if err := src.ApplyManifest(filepath.Join(tempPath, "usr")); err != nil {
			return nil, sessionerror.Source("applying runtime manifest", err)
		}

	case runtimesource.FlatpakStyle, runtimesource.MergedUsr:
		if _, err := treecopy.Copy(src.SourceDir, filepath.Join(tempPath, "usr")); err != nil {
			return nil, sessionerror.IO("copying merged-usr runtime", err, false)
		}

	case runtimesource.Sysroot:
		if err := copySysrootMergingUsr(src.SourceDir, tempPath); err != nil {
			return nil, sessionerror.IO("copying sysroot runtime", err, false)
		}

	default:
		return nil, sessionerror.Source("building mutable sysroot", fmt.Errorf("unhandled runtime source kind %s", src.Kind))
	}

	breakRefHardlink(tempPath)
	breakRefHardlink(filepath.Join(tempPath, "usr"))

	runtimeDirFd, err := unix.Open(filepath.Join(tempPath, "usr"), unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, sessionerror.IO("opening staged usr/ directory", err, false)
	}
	runtimeLock, acquired, err := lock.CreateAndAcquire(runtimeDirFd, ".ref", lock.Write, false)
	unix.Close(runtimeDirFd)
	if err != nil {
		return nil, fmt.Errorf("while taking runtime lock on staged sysroot: %w", err)
	}
	if !acquired {
		return nil, sessionerror.LockContentionFatal("acquiring runtime lock", fmt.Errorf("unexpected contention on a freshly created sysroot"))
	}

	if sourceReadLock != nil {
		if err := sourceReadLock.Release(); err != nil {
			sylog.Warningf("failed to release source deployment lock: %s", err)
		}
	}

	if err := synthesizeTopLevelSymlinks(tempPath); err != nil {
		runtimeLock.Release()
		return nil, sessionerror.IO("synthesizing top-level symlinks", err, false)
	}

	dirfd, err := unix.Open(tempPath, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		runtimeLock.Release()
		return nil, sessionerror.IO("opening mutable sysroot", err, false)
	}

	success = true
	return &Root{
		path:        tempPath,
		dirfd:       dirfd,
		runtimeLock: runtimeLock,
		cacheDir:    cacheDir,
		tempName:    tempName,
	}, nil
}

// synthesizeTopLevelSymlinks creates <root>/<name> -> usr/<name> for every
// top-level name present in usr/ (spec §4.5 step 6), plus the root .ref ->
// usr/.ref symlink and the legacy overrides -> usr/lib/pressure-vessel/overrides
// backwards-compatibility symlink.
func synthesizeTopLevelSymlinks(root string) error {
	usr := filepath.Join(root, "usr")
	for _, name := range topLevelMergeNames {
		if _, err := os.Lstat(filepath.Join(usr, name)); err != nil {
			continue
		}
		dst := filepath.Join(root, name)
		if _, err := os.Lstat(dst); err == nil {
			continue
		}
		if err := os.Symlink(filepath.Join("usr", name), dst); err != nil {
			return fmt.Errorf("while symlinking %s -> usr/%s: %w", dst, name, err)
		}
	}

	refDst := filepath.Join(root, ".ref")
	if _, err := os.Lstat(refDst); err != nil {
		if err := os.Symlink(filepath.Join("usr", ".ref"), refDst); err != nil {
			return fmt.Errorf("while symlinking root .ref: %w", err)
		}
	}

	overridesDir := filepath.Join(usr, "lib", "pressure-vessel", "overrides")
	if err := os.MkdirAll(overridesDir, 0o755); err != nil {
		return fmt.Errorf("while creating overrides directory: %w", err)
	}
	overridesLink := filepath.Join(root, "overrides")
	if _, err := os.Lstat(overridesLink); err != nil {
		if err := os.Symlink(filepath.Join("usr", "lib", "pressure-vessel", "overrides"), overridesLink); err != nil {
			return fmt.Errorf("while symlinking legacy overrides alias: %w", err)
		}
	}

	return nil
}

// breakRefHardlink removes a .ref file that was copied as a hardlink from
// the source deployment, so the mutable sysroot's own lock file is
// independent of the source's (spec §4.5 step 5).
func breakRefHardlink(dir string) {
	p := filepath.Join(dir, ".ref")
	if err := unix.Unlinkat(unix.AT_FDCWD, p, 0); err != nil && !os.IsNotExist(err) {
		sylog.Debugf("could not break .ref hardlink at %s: %s", p, err)
	}
}

// copySysrootMergingUsr cheap-copies a sysroot-shaped source into dest,
// merging top-level bin/sbin/lib* directories into dest/usr/... along the
// way (spec §4.5 step 4, "USRMERGE flag").
func copySysrootMergingUsr(source, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	entries, err := os.ReadDir(source)
	if err != nil {
		return fmt.Errorf("while listing %s: %w", source, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		src := filepath.Join(source, name)

		target := filepath.Join(dest, name)
		if isUsrMergeCandidate(name) {
			target = filepath.Join(dest, "usr", name)
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
		}

		if _, err := treecopy.Copy(src, target); err != nil {
			return fmt.Errorf("while copying %s: %w", src, err)
		}
	}

	return nil
}

func isUsrMergeCandidate(name string) bool {
	switch name {
	case "bin", "sbin", "lib", "lib32", "lib64", "libx32":
		return true
	default:
		return false
	}
}
