//go:build windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
)

const createNoWindow = 0x08000000

func configureCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: createNoWindow,
	}
}

// Windows has no graceful termination request for a windowless process.
func signalTerminate(p *os.Process) error {
	return p.Kill()
}

func signalKill(p *os.Process) error {
	return p.Kill()
}
