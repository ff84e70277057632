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
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChildMonitorWaitReapsExitedChild(t *testing.T) {
	m, err := NewChildMonitor()
	require.NoError(t, err)
	defer m.Close()

	cmd := exec.Command("/bin/sh", "-c", "exit 7")
	require.NoError(t, cmd.Start())

	status, err := m.Wait(cmd.Process.Pid)
	require.NoError(t, err)
	require.Equal(t, 7, status.ExitStatus())
}

func TestTeardownKillsUnresponsiveChild(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "trap '' TERM; sleep 5")
	require.NoError(t, cmd.Start())

	m, err := NewChildMonitor()
	require.NoError(t, err)
	defer m.Close()

	go Teardown(cmd.Process.Pid, 200*time.Millisecond)

	status, err := m.Wait(cmd.Process.Pid)
	require.NoError(t, err)
	require.True(t, status.Signaled())
}
