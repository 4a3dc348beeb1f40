//go:build !unix

package tool

import "os/exec"

func isolateProcessGroup(cmd *exec.Cmd) {}
