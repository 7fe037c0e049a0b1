//go:build unix && !linux

package supervisor

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func limitPrefix(Limits) []string {
	return nil
}

// applyLimits is a no-op where prlimit(2) is unavailable.
func applyLimits(int, Limits) error {
	return nil
}

// killGroup sends SIGKILL to the child's process group.
func killGroup(p *os.Process) {
	if err := unix.Kill(-p.Pid, unix.SIGKILL); err != nil {
		_ = p.Kill()
	}
}
