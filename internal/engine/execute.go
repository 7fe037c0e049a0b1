package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/kiln/internal/compiler"
	"github.com/seantiz/kiln/internal/supervisor"
)

// exitTimeout is the exit code reported for a run killed at its time limit.
const exitTimeout = 124

// RunRequest is a one-shot, non-interactive submission.
type RunRequest struct {
	Code     string
	Language string
	Files    map[string]string
}

// RunResult is the outcome of Execute.
type RunResult struct {
	OK            bool              `json:"ok"`
	CompileStderr string            `json:"compile_stderr"`
	Stdout        string            `json:"stdout"`
	Stderr        string            `json:"stderr"`
	ExitCode      int               `json:"exit_code"`
	Files         map[string]string `json:"files"`
}

// Execute compiles and runs a submission once with stdin closed, under
// RunWallLimit. No session, registry entry, or channel is involved; the
// workspace is always removed before returning.
func (e *Engine) Execute(ctx context.Context, req RunRequest) (*RunResult, error) {
	b, err := e.prepare(ctx, req.Code, req.Language, req.Files)
	if err != nil {
		return nil, err
	}
	defer e.removeWorkspace(b.id, b.ws)

	if !b.result.OK {
		return &RunResult{
			CompileStderr: b.result.Diagnostics,
			ExitCode:      1,
			Files:         map[string]string{},
		}, nil
	}

	proc, err := supervisor.Spawn(supervisor.Spec{
		Path:   b.result.Artifact,
		Prefix: e.opts.RunPrefix,
		Dir:    b.ws.Dir,
		Limits: supervisor.Limits{
			CPU:        e.opts.RunWallLimit,
			MemoryMB:   e.opts.MemoryLimitMB,
			FileSizeKB: e.opts.FileSizeLimitKB,
		},
	})
	if err != nil {
		return nil, err
	}
	defer proc.Release()
	_ = proc.CloseInput()

	stdout := &cappedBuffer{limit: e.opts.RunOutputLimit}
	stderr := &cappedBuffer{limit: e.opts.RunOutputLimit}
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(stdout, proc.Output())
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(stderr, proc.Stderr())
		return err
	})

	timer := time.NewTimer(e.opts.RunWallLimit)
	defer timer.Stop()

	timedOut := false
	select {
	case <-proc.Done():
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
	}
	proc.Kill()
	status := proc.Wait()

	if err := waitBounded(&g, e.opts.JoinTimeout, proc); err != nil && !errors.Is(err, errJoinTimeout) {
		e.logger.Debug("run output copy", "session_id", b.id, "error", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &RunResult{
		OK:            true,
		CompileStderr: b.result.Diagnostics,
		Stdout:        stdout.String(),
		Stderr:        stderr.String(),
		ExitCode:      status.ExitCode,
	}
	if timedOut {
		res.ExitCode = exitTimeout
		res.Stderr += noticeTimeout
	}

	files, err := b.ws.Harvest(e.opts.Harvest, compiler.ArtifactName, b.compiler.Info().SourceFile)
	if err != nil {
		e.logger.Warn("failed to harvest files", "session_id", b.id, "error", err)
		files = map[string]string{}
	}
	res.Files = files

	e.logger.Info("run finished", "session_id", b.id, "exit_code", res.ExitCode, "timed_out", timedOut)
	return res, nil
}

var errJoinTimeout = errors.New("output readers did not finish")

// waitBounded waits for g, closing the process's output pipes if that takes
// longer than timeout.
func waitBounded(g *errgroup.Group, timeout time.Duration, proc *supervisor.Process) error {
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		proc.CloseOutput()
		<-done
		return errJoinTimeout
	}
}

// cappedBuffer keeps the first limit bytes written to it and discards the
// rest while still reporting success, so the writer keeps draining.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int64
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if room := c.limit - int64(c.buf.Len()); room > 0 {
		if int64(len(p)) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	return strings.ToValidUTF8(c.buf.String(), string(utf8.RuneError))
}
