//go:build !windows

package procexec

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// ownGroup makes the child lead a new process group, so trainer data-loader
// workers and shell pipelines can be signalled with it.
func ownGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killGroup sends SIGKILL to the group the child leads. Its pgid equals its
// pid.
func killGroup(p *os.Process) error {
	if p == nil || p.Pid <= 0 {
		return nil
	}
	err := syscall.Kill(-p.Pid, syscall.SIGKILL)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ESRCH):
		return os.ErrProcessDone
	default:
		return p.Kill()
	}
}
