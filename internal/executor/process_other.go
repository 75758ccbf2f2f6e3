//go:build !unix

package executor

import (
	"os/exec"
	"time"
)

func setProcessGroup(*exec.Cmd) {}

func terminateProcessGroup(cmd *exec.Cmd, _ time.Duration) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
