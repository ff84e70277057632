// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package lock implements the advisory file locks that coordinate cache
// readers and cache GC (spec §4.1). It prefers open-file-description locks
// (F_OFD_SETLK{,W}), which are per-fd rather than per-process and therefore
// survive fork, falling back to BSD flock on kernels/filesystems where OFD
// locks are unavailable.
package lock

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mode is the lock mode requested: Read locks may be held concurrently by
// many holders, Write locks are exclusive.
type Mode int

const (
	Read Mode = iota
	Write
)

func (m Mode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

// flavor records which locking primitive actually succeeded, so Release can
// use the matching unlock call.
type flavor int

const (
	flavorOFD flavor = iota
	flavorFlock
)

// Lock is a held advisory lock on a single file. The file descriptor is
// owned by the Lock; Release closes it, which atomically drops the lock.
type Lock struct {
	fd     int
	path   string
	mode   Mode
	flavor flavor
}

// errno extracts a syscall.Errno from err, or 0 if it isn't one.
func errno(err error) unix.Errno {
	var e unix.Errno
	if errors.As(err, &e) {
		return e
	}
	return 0
}

func ofdLockType(mode Mode) int16 {
	if mode == Write {
		return unix.F_WRLCK
	}
	return unix.F_RDLCK
}

func wholeFileFlock(lockType int16) unix.Flock_t {
	return unix.Flock_t{
		Type:   lockType,
		Whence: int16(os.SEEK_SET),
		Start:  0,
		Len:    0,
	}
}

// CreateAndAcquire opens (creating if absent, per spec §4.1's CREATE
// semantics: O_RDWR|O_CLOEXEC|O_CREAT|0644) the file at relPath under dirfd
// and acquires a lock of the given mode. If blocking is false and the lock
// is already held elsewhere, CreateAndAcquire returns (nil, false, nil).
func CreateAndAcquire(dirfd int, relPath string, mode Mode, blocking bool) (*Lock, bool, error) {
	fd, err := unix.Openat(dirfd, relPath, unix.O_RDWR|unix.O_CLOEXEC|unix.O_CREAT, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("while opening %s for locking: %w", relPath, err)
	}

	l, acquired, err := acquireOnFD(fd, relPath, mode, blocking)
	if err != nil {
		unix.Close(fd)
		return nil, false, err
	}
	if !acquired {
		unix.Close(fd)
		return nil, false, nil
	}
	return l, true, nil
}

// Acquire locks an already-open file descriptor, taking ownership of it: the
// caller must not close fd itself afterwards, Release does that.
func Acquire(fd int, path string, mode Mode, blocking bool) (*Lock, bool, error) {
	return acquireOnFD(fd, path, mode, blocking)
}

func acquireOnFD(fd int, path string, mode Mode, blocking bool) (*Lock, bool, error) {
	lockType := ofdLockType(mode)
	lk := wholeFileFlock(lockType)

	cmd := unix.F_OFD_SETLK
	if blocking {
		cmd = unix.F_OFD_SETLKW
	}

	err := unix.FcntlFlock(uintptr(fd), cmd, &lk)
	if err == nil {
		return &Lock{fd: fd, path: path, mode: mode, flavor: flavorOFD}, true, nil
	}

	e := errno(err)
	if !blocking && (e == unix.EAGAIN || e == unix.EACCES) {
		return nil, false, nil
	}
	if e != unix.EINVAL && e != unix.ENOLCK && e != unix.ENOSYS {
		return nil, false, fmt.Errorf("while taking OFD lock on %s: %w", path, err)
	}

	// OFD locks unsupported by this kernel/filesystem: fall back to flock(2).
	flockOp := unix.LOCK_EX
	if mode == Read {
		flockOp = unix.LOCK_SH
	}
	if !blocking {
		flockOp |= unix.LOCK_NB
	}

	if err := unix.Flock(fd, flockOp); err != nil {
		if !blocking && (errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("while taking flock on %s: %w", path, err)
	}

	return &Lock{fd: fd, path: path, mode: mode, flavor: flavorFlock}, true, nil
}

// FD returns the underlying file descriptor. Used to yield the lock to a
// child process for continued locking across exec (spec §4.1): the fd must
// be inherited (not O_CLOEXEC) by the child in that case, which is the
// caller's responsibility since Lock itself always opens O_CLOEXEC.
func (l *Lock) FD() int {
	return l.fd
}

// Path returns the relative path the lock was taken on, for diagnostics.
func (l *Lock) Path() string {
	return l.path
}

// Mode returns the mode the lock was acquired with.
func (l *Lock) Mode() Mode {
	return l.mode
}

// Release drops the lock by closing the file descriptor. Per OFD/flock
// semantics this atomically releases the lock; it is safe to call at most
// once.
func (l *Lock) Release() error {
	return unix.Close(l.fd)
}
