//go:build unix

package tool

import (
	"os/exec"
	"syscall"
)

// isolateProcessGroup starts the command in its own process group so that
// cancellation kills the entire tree (e.g. ffmpeg spawned by yt-dlp), not
// only the direct child.
func isolateProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}

		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
