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
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/steamlinux/runtime-forge/pkg/sylog"
)

// BecomeSubreaper marks the calling process as a child subreaper
// (PR_SET_CHILD_SUBREAPER) so that orphaned grandchildren of the sandboxed
// process are reparented here instead of to PID 1 (spec §5, "process
// model").
func BecomeSubreaper() error {
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("while setting PR_SET_CHILD_SUBREAPER: %w", err)
	}
	return nil
}

// ChildMonitor waits for descendants via a signalfd, race-free against
// concurrently arriving SIGCHLD (spec §5, "SIGCHLD is blocked and consumed
// via a signalfd so waits are race-free"). It mirrors the teacher's own
// MonitorContainer wait loop, adapted to read signals from a signalfd
// rather than a Go os/signal channel.
type ChildMonitor struct {
	fd int
}

// NewChildMonitor blocks SIGCHLD in the calling thread's signal mask and
// opens a signalfd to receive it instead.
func NewChildMonitor() (*ChildMonitor, error) {
	var set unix.Sigset_t
	set.Val[0] = 1 << (uint(syscall.SIGCHLD) - 1)
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil); err != nil {
		return nil, fmt.Errorf("while blocking SIGCHLD: %w", err)
	}

	fd, err := unix.Signalfd(-1, &set, unix.SFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("while creating signalfd: %w", err)
	}
	return &ChildMonitor{fd: fd}, nil
}

// Close releases the signalfd.
func (m *ChildMonitor) Close() error {
	return unix.Close(m.fd)
}

// Wait blocks until pid exits, reaping any other child that exits in the
// meantime (subreaper duty), and returns pid's wait status.
func (m *ChildMonitor) Wait(pid int) (syscall.WaitStatus, error) {
	var status syscall.WaitStatus

	for {
		buf := make([]byte, unix.SizeofSignalfdSiginfo)
		if _, err := unix.Read(m.fd, buf); err != nil {
			if err == unix.EINTR {
				continue
			}
			return status, fmt.Errorf("while reading signalfd: %w", err)
		}

		for {
			wpid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
			if err != nil {
				if err == syscall.ECHILD {
					break
				}
				return status, fmt.Errorf("while reaping a child: %w", err)
			}
			if wpid <= 0 {
				break
			}
			sylog.Debugf("reaped child %d", wpid)
			if wpid == pid {
				return status, nil
			}
		}
	}
}

// Teardown performs a two-phase termination of pid: SIGTERM, wait up to
// grace, then SIGKILL if pid is still alive. Only pid itself is signalled;
// other descendants of pid are not signalled.
func Teardown(pid int, grace time.Duration) {
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		sylog.Warningf("failed to send SIGKILL to %d: %s", pid, err)
	}
}
