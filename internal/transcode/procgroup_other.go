//go:build !unix

package transcode

import (
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

// terminate has no graceful variant on this platform.
func terminate(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func kill(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
