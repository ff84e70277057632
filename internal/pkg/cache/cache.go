// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package cache implements the Cache Store of spec.md §4.2-§4.3: a variable
// directory of deploy-<id> deployments and tmp-XXXXXX transients, garbage
// collected under a write lock, with readers holding per-entry read locks.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/steamlinux/runtime-forge/pkg/lock"
	"github.com/steamlinux/runtime-forge/pkg/sessionerror"
	"github.com/steamlinux/runtime-forge/pkg/sylog"
)

const (
	refName        = ".ref"
	deployPrefix   = "deploy-"
	tempPrefix     = "tmp-"
	keepMarkerName = "keep"
)

// Dir is an opened cache directory (spec.md's "Cache Directory").
type Dir struct {
	path  string
	dirfd int
}

// Open opens the cache directory at path, creating it 0700 if absent (spec
// §6, "Variable directory ... created 0700 if absent").
func Open(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, sessionerror.Config("creating cache directory", err)
	}
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, sessionerror.Config("opening cache directory", err)
	}
	return &Dir{path: path, dirfd: fd}, nil
}

// Close releases the directory file descriptor.
func (d *Dir) Close() error {
	return unix.Close(d.dirfd)
}

// Path returns the cache directory's filesystem path.
func (d *Dir) Path() string { return d.path }

// Deployment is a reference to an existing, immutable deploy-<id> directory.
type Deployment struct {
	ID   string
	Path string
}

// Lookup implements the archive-unpack fast path: if deploy-<id> already
// exists, return it without taking any lock.
func (d *Dir) Lookup(id string) (*Deployment, bool) {
	p := filepath.Join(d.path, deployPrefix+id)
	if _, err := os.Stat(p); err != nil {
		return nil, false
	}
	return &Deployment{ID: id, Path: p}, true
}

// newTempName returns a fresh tmp-XXXXXX name. Real mkdtemp(3) semantics are
// approximated with a UUID suffix: collision-free without relying on
// math/rand, and stable enough for the deterministic-mode test harness to
// reason about (the name itself never leaks into any persisted manifest).
func newTempName() string {
	return tempPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

// NewTemp creates a new tmp-XXXXXX directory under the cache and returns its
// path and bare name.
func (d *Dir) NewTemp() (path, name string, err error) {
	for attempt := 0; attempt < 8; attempt++ {
		name = newTempName()
		path = filepath.Join(d.path, name)
		if err := os.Mkdir(path, 0o755); err != nil {
			if os.IsExist(err) {
				continue
			}
			return "", "", fmt.Errorf("while creating %s: %w", path, err)
		}
		return path, name, nil
	}
	return "", "", fmt.Errorf("could not create a unique tmp- directory after 8 attempts")
}

// RemoveTemp recursively removes a tmp-XXXXXX directory, used on any setup
// failure before rename-into-place (spec §4.3 step 4, §5 cancellation: "no
// partial mutable-sysroot is ever exposed").
func (d *Dir) RemoveTemp(name string) error {
	return os.RemoveAll(filepath.Join(d.path, name))
}

// PromoteTemp atomically renames a tmp-XXXXXX directory into deploy-<id>
// (spec §4.3 step 4, and §8 P2: "visible to other processes only after
// rename-into-place").
func (d *Dir) PromoteTemp(tempName, id string) (*Deployment, error) {
	if err := ValidateBuildID(id); err != nil {
		return nil, sessionerror.Source("promoting deployment", err)
	}
	src := filepath.Join(d.path, tempName)
	dst := filepath.Join(d.path, deployPrefix+id)
	if err := unix.Renameat(d.dirfd, tempName, d.dirfd, deployPrefix+id); err != nil {
		return nil, fmt.Errorf("while renaming %s to %s: %w", src, dst, err)
	}
	return &Deployment{ID: id, Path: dst}, nil
}

// RefLock acquires a lock on the cache root's own .ref file. Per-entry
// .ref files are locked through EntryRefLock.
func (d *Dir) RefLock(mode lock.Mode, blocking bool) (*lock.Lock, bool, error) {
	return lock.CreateAndAcquire(d.dirfd, refName, mode, blocking)
}

// EntryRefLock acquires a lock on <entry>/.ref by opening entry relative to
// the cache root.
func (d *Dir) EntryRefLock(entryName string, mode lock.Mode, blocking bool) (*lock.Lock, bool, error) {
	entryFd, err := unix.Openat(d.dirfd, entryName, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, false, fmt.Errorf("while opening cache entry %s: %w", entryName, err)
	}
	defer unix.Close(entryFd)
	return lock.CreateAndAcquire(entryFd, refName, mode, blocking)
}

// GCOptions configures one GC pass.
type GCOptions struct {
	// KeepPath is the filesystem path of the deployment this session is
	// currently using; it is never removed, compared by inode identity
	// (spec §4.2 step 2) so that a concurrent rename does not defeat the
	// comparison.
	KeepPath string
}

// GCResult summarizes one GC pass.
type GCResult struct {
	Removed []string
	Skipped []string
}

// GC runs one garbage-collection pass (spec §4.2). The caller must already
// hold its own read lock on the entry it intends to keep before calling GC,
// so that GC's own non-blocking write-lock attempt on that entry cannot
// succeed (spec §4.2 "Ordering").
func (d *Dir) GC() (GCResult, error) {
	return d.gc(GCOptions{})
}

// GCKeeping is GC with an explicit current-deployment path to protect by
// inode identity, for sessions that have not yet taken a lock of their own
// (e.g. a cache-maintenance-only invocation).
func (d *Dir) GCKeeping(opts GCOptions) (GCResult, error) {
	return d.gc(opts)
}

func (d *Dir) gc(opts GCOptions) (GCResult, error) {
	writeLock, ok, err := d.RefLock(lock.Write, true)
	if err != nil {
		return GCResult{}, fmt.Errorf("while taking cache write lock: %w", err)
	}
	if !ok {
		// true (blocking) means this branch is unreachable in practice, but
		// keep the degraded path for callers that swap in non-blocking use.
		return GCResult{}, sessionerror.LockContentionSkip("cache GC", fmt.Errorf("cache write lock busy"))
	}
	defer writeLock.Release()

	var keepInfo os.FileInfo
	if opts.KeepPath != "" {
		keepInfo, err = os.Stat(opts.KeepPath)
		if err != nil {
			sylog.Warningf("could not stat current deployment %s for GC protection: %s", opts.KeepPath, err)
		}
	}

	entries, err := os.ReadDir(d.path)
	if err != nil {
		return GCResult{}, fmt.Errorf("while listing cache directory: %w", err)
	}

	// Sort for deterministic test output; GC order has no semantic meaning.
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	result := GCResult{}
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() {
			continue
		}
		if !strings.HasPrefix(name, deployPrefix) && !strings.HasPrefix(name, tempPrefix) {
			continue
		}

		entryPath := filepath.Join(d.path, name)

		if _, err := os.Stat(filepath.Join(entryPath, keepMarkerName)); err == nil {
			result.Skipped = append(result.Skipped, name)
			continue
		}

		if keepInfo != nil {
			if info, err := os.Stat(entryPath); err == nil && os.SameFile(info, keepInfo) {
				result.Skipped = append(result.Skipped, name)
				continue
			}
		}

		entryLock, acquired, err := d.EntryRefLock(name, lock.Write, false)
		if err != nil {
			sylog.Warningf("while checking whether cache entry %s is in use: %s", name, err)
			result.Skipped = append(result.Skipped, name)
			continue
		}
		if !acquired {
			result.Skipped = append(result.Skipped, name)
			continue
		}

		if err := os.RemoveAll(entryPath); err != nil {
			sylog.Warningf("while removing unused cache entry %s: %s", name, err)
			entryLock.Release()
			result.Skipped = append(result.Skipped, name)
			continue
		}
		entryLock.Release()
		result.Removed = append(result.Removed, name)
	}

	return result, nil
}
