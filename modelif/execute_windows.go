// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

//go:build windows

package modelif

import "os/exec"

// setProcessGroup is a no-op on windows; killProcessGroup falls back to
// killing the single tracked process handle.
func setProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup forcefully terminates the child process.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
