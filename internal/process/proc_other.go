//go:build !unix

package process

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

// Without process groups the best we can do is kill the direct child.
func terminateGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func killGroup(cmd *exec.Cmd) error { return terminateGroup(cmd) }
