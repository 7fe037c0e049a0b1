//go:build linux

package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/criyle/go-sandbox/pkg/rlimit"
	"golang.org/x/sys/unix"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}

var prlimitFlags = map[int]string{
	unix.RLIMIT_CPU:    "--cpu",
	unix.RLIMIT_DATA:   "--data",
	unix.RLIMIT_FSIZE:  "--fsize",
	unix.RLIMIT_STACK:  "--stack",
	unix.RLIMIT_AS:     "--as",
	unix.RLIMIT_NOFILE: "--nofile",
	unix.RLIMIT_CORE:   "--core",
}

var prlimitPath = sync.OnceValue(func() string {
	path, err := exec.LookPath("prlimit")
	if err != nil {
		return ""
	}
	return path
})

func rlimitsFor(l Limits) []rlimit.RLimit {
	rl := rlimit.RLimits{
		Data:        l.MemoryMB << 20,
		FileSize:    l.FileSizeKB << 10,
		DisableCore: true,
	}
	if l.CPU > 0 {
		rl.CPU = uint64(CPULimitFor(l.CPU) / time.Second)
	}
	return rl.PrepareRLimit()
}

// prlimitArgs renders limits as prlimit(1) options.
func prlimitArgs(limits []rlimit.RLimit) []string {
	args := make([]string, 0, len(limits))
	for _, r := range limits {
		flag, ok := prlimitFlags[r.Res]
		if !ok {
			continue
		}
		args = append(args, fmt.Sprintf("%s=%d:%d", flag, r.Rlim.Cur, r.Rlim.Max))
	}
	return args
}

// limitPrefix returns a prlimit(1) invocation that installs l before the
// artifact is exec'd, or nil when prlimit is not installed.
func limitPrefix(l Limits) []string {
	path := prlimitPath()
	if path == "" {
		return nil
	}
	args := prlimitArgs(rlimitsFor(l))
	if len(args) == 0 {
		return nil
	}
	return append(append([]string{path}, args...), "--")
}

// applyLimits installs rlimits on the running child with prlimit(2). It is
// the fallback when limitPrefix is unavailable and leaves a short window
// between exec and the call in which the child runs unlimited.
func applyLimits(pid int, l Limits) error {
	for _, r := range rlimitsFor(l) {
		lim := unix.Rlimit{Cur: r.Rlim.Cur, Max: r.Rlim.Max}
		if err := unix.Prlimit(pid, r.Res, &lim, nil); err != nil {
			if errors.Is(err, unix.ESRCH) {
				// Already gone; the reaper reports how.
				return nil
			}
			return fmt.Errorf("prlimit resource %d: %w", r.Res, err)
		}
	}
	return nil
}

// killGroup sends SIGKILL to the child's process group.
func killGroup(p *os.Process) {
	if err := unix.Kill(-p.Pid, unix.SIGKILL); err != nil {
		_ = p.Kill()
	}
}
