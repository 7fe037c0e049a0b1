package supervisor

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrSpawn is returned when the child process could not be started.
	ErrSpawn = errors.New("spawn failed")

	// ErrNotRunning is returned when writing to a process that has exited
	// or whose input has been closed.
	ErrNotRunning = errors.New("process not running")
)

// Limits are the resource ceilings applied to a child process. Zero values
// leave the corresponding limit unset.
type Limits struct {
	CPU        time.Duration // rounded up to whole seconds
	MemoryMB   uint64
	FileSizeKB uint64
}

// CPULimitFor derives a CPU-time ceiling from a wall limit: the wall limit
// rounded up to whole seconds, never less than one second.
func CPULimitFor(wall time.Duration) time.Duration {
	secs := math.Ceil(wall.Seconds())
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// Spec describes the process to launch.
type Spec struct {
	// Path is the executable. It is run as Prefix + [Path] + Args, behind
	// a prlimit(1) wrapper when one is installed.
	Path   string
	Args   []string
	Prefix []string
	Dir    string
	Env    []string

	// MergeOutput sends stderr to the same pipe as stdout.
	MergeOutput bool

	Limits Limits

	// WriteTimeout bounds each Write to the child's stdin. Zero disables
	// the deadline.
	WriteTimeout time.Duration
}

// Status is the exit status of a reaped process.
type Status struct {
	ExitCode int
	Signal   string
	Err      error
}

// Exited reports whether the process exited on its own rather than by signal.
func (s Status) Exited() bool {
	return s.Signal == "" && s.Err == nil
}

// Process is a running child. It must be reaped exactly once, which Spawn
// arranges in the background; callers observe the result through Done and
// Wait.
type Process struct {
	cmd          *exec.Cmd
	stdin        *os.File
	stdout       *os.File
	stderr       *os.File
	writeTimeout time.Duration

	writeMu  sync.Mutex
	inClosed bool

	killOnce sync.Once
	outOnce  sync.Once

	done   chan struct{}
	status Status
}

// Spawn starts the process described by spec. The returned error wraps
// ErrSpawn when the artifact is missing or cannot be executed.
func Spawn(spec Spec) (*Process, error) {
	info, err := os.Stat(spec.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	// A wrapper would otherwise start and report the exec failure as an
	// exit status.
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return nil, fmt.Errorf("%w: %s is not executable", ErrSpawn, spec.Path)
	}

	// Limits go on before exec when prlimit(1) can wrap the command.
	prefix := spec.Prefix
	limitsInstalled := false
	if lp := limitPrefix(spec.Limits); lp != nil {
		prefix = append(lp, spec.Prefix...)
		limitsInstalled = true
	}
	argv := append(append(append([]string{}, prefix...), spec.Path), spec.Args...)

	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %w", ErrSpawn, err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		closeAll(inR, inW)
		return nil, fmt.Errorf("%w: stdout pipe: %w", ErrSpawn, err)
	}
	errR, errW := outR, outW
	if !spec.MergeOutput {
		errR, errW, err = os.Pipe()
		if err != nil {
			closeAll(inR, inW, outR, outW)
			return nil, fmt.Errorf("%w: stderr pipe: %w", ErrSpawn, err)
		}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		closeAll(inR, inW, outR, outW)
		if !spec.MergeOutput {
			closeAll(errR, errW)
		}
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	// The child holds its own copies of these ends.
	closeAll(inR, outW)
	if !spec.MergeOutput {
		closeAll(errW)
	}

	p := &Process{
		cmd:          cmd,
		stdin:        inW,
		stdout:       outR,
		writeTimeout: spec.WriteTimeout,
		done:         make(chan struct{}),
	}
	if !spec.MergeOutput {
		p.stderr = errR
	}

	if !limitsInstalled {
		if err := applyLimits(cmd.Process.Pid, spec.Limits); err != nil {
			p.Kill()
			p.reap()
			p.CloseOutput()
			closeAll(inW)
			return nil, fmt.Errorf("%w: apply limits: %w", ErrSpawn, err)
		}
	}

	go p.reap()
	return p, nil
}

func (p *Process) reap() {
	err := p.cmd.Wait()
	p.status = statusFrom(p.cmd.ProcessState, err)
	close(p.done)
}

func statusFrom(ps *os.ProcessState, err error) Status {
	if ps == nil {
		return Status{ExitCode: -1, Err: err}
	}
	st := Status{ExitCode: ps.ExitCode()}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Signal = ws.Signal().String()
		// Shell convention for death by signal.
		st.ExitCode = 128 + int(ws.Signal())
	}
	return st
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Output returns the stdout stream, which also carries stderr when the
// process was spawned with MergeOutput. Reads return io.EOF once every
// holder of the write end has exited.
func (p *Process) Output() io.Reader {
	return p.stdout
}

// Stderr returns the separate stderr stream, or nil when output is merged.
func (p *Process) Stderr() io.Reader {
	if p.stderr == nil {
		return nil
	}
	return p.stderr
}

// Write appends b to the child's stdin. It fails with ErrNotRunning once the
// child has exited or its input was closed, and never blocks longer than the
// configured write timeout.
func (p *Process) Write(b []byte) (int, error) {
	if p.Exited() {
		return 0, ErrNotRunning
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.inClosed {
		return 0, ErrNotRunning
	}

	if p.writeTimeout > 0 {
		_ = p.stdin.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	}
	n, err := p.stdin.Write(b)
	if err != nil {
		if errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) {
			return n, ErrNotRunning
		}
		return n, fmt.Errorf("write stdin: %w", err)
	}
	return n, nil
}

// CloseInput closes the child's stdin, delivering EOF to it.
func (p *Process) CloseInput() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.inClosed {
		return nil
	}
	p.inClosed = true
	return p.stdin.Close()
}

// CloseOutput closes the read ends of the output pipes, unblocking any
// reader. It is used when a descendant of the child keeps the pipes open
// after the child itself is gone.
func (p *Process) CloseOutput() {
	p.outOnce.Do(func() {
		closeAll(p.stdout)
		if p.stderr != nil {
			closeAll(p.stderr)
		}
	})
}

// Kill terminates the child and every process in its group. It is safe to
// call more than once and after the child has exited.
func (p *Process) Kill() {
	p.killOnce.Do(func() {
		killGroup(p.cmd.Process)
	})
}

// Done is closed once the child has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports, without blocking, whether the child has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the child has been reaped and returns its status. It
// may be called any number of times.
func (p *Process) Wait() Status {
	<-p.done
	return p.status
}

// Release closes every remaining pipe end held by the parent. Call it after
// the process has been reaped and its output drained.
func (p *Process) Release() {
	_ = p.CloseInput()
	p.CloseOutput()
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
