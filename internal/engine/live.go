package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/kiln/internal/compiler"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
	"github.com/seantiz/kiln/internal/supervisor"
	"github.com/seantiz/kiln/internal/workspace"
)

// liveRun is one descriptor bound to one channel. Only the output pump
// writes lastOutput and only the watchdog reads it.
type liveRun struct {
	e      *Engine
	id     string
	ch     Channel
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	desc *model.Descriptor
	ws   *workspace.Workspace
	proc *supervisor.Process

	startedAt  time.Time
	lastOutput atomic.Int64 // nanoseconds since startedAt

	mu       sync.Mutex
	state    model.State
	outcome  model.Outcome
	spawnErr error

	seq         int
	cleanupOnce sync.Once
}

func newLiveRun(parent context.Context, e *Engine, id string, ch Channel) *liveRun {
	ctx, cancel := context.WithCancel(parent)
	return &liveRun{
		e:      e,
		id:     id,
		ch:     ch,
		logger: e.logger.With("session_id", id),
		ctx:    ctx,
		cancel: cancel,
	}
}

// recordOutcome stores o if no outcome has been recorded yet and reports
// whether it did.
func (r *liveRun) recordOutcome(o model.Outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome != model.OutcomeNone {
		return false
	}
	r.outcome = o
	return true
}

func (r *liveRun) currentOutcome() model.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

// stop ends the run from outside the process: disconnect, cancel, shutdown.
func (r *liveRun) stop(o model.Outcome) {
	r.recordOutcome(o)
	r.cancel()
}

func (r *liveRun) setState(s model.State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	r.logger.Debug("session state", "state", s.String())
}

// run drives the session from CREATED to CLEANED.
func (r *liveRun) run(desc *model.Descriptor) error {
	r.desc = desc
	r.ws = r.e.opts.Workspaces.Open(desc.WorkspacePath)
	r.setState(model.StateCreated)
	defer r.cleanup()

	r.setState(model.StateSpawning)
	if r.ctx.Err() != nil {
		r.recordOutcome(model.OutcomeCancelled)
		return nil
	}

	proc, err := supervisor.Spawn(supervisor.Spec{
		Path:        desc.ArtifactPath,
		Prefix:      r.e.opts.RunPrefix,
		Dir:         desc.WorkspacePath,
		MergeOutput: true,
		Limits: supervisor.Limits{
			CPU:        desc.Limits.Wall,
			MemoryMB:   r.e.opts.MemoryLimitMB,
			FileSizeKB: r.e.opts.FileSizeLimitKB,
		},
		WriteTimeout: r.e.opts.WriteTimeout,
	})
	if err != nil {
		r.recordOutcome(model.OutcomeSpawnFailed)
		r.spawnErr = err
		r.logger.Error("failed to start session", "error", err)
		_ = r.ch.Send(fmt.Sprintf("Failed to start: %v\n", err))
		return err
	}

	r.proc = proc
	r.startedAt = time.Now()
	r.setState(model.StateRunning)
	r.markRunning()
	sessionsActive.Inc()
	defer sessionsActive.Dec()

	g, gctx := errgroup.WithContext(r.ctx)
	g.Go(func() error {
		r.pump()
		return nil
	})
	g.Go(func() error {
		r.watchdog(gctx)
		return nil
	})
	g.Go(func() error {
		r.relay(gctx)
		return nil
	})

	select {
	case <-proc.Done():
		r.recordOutcome(model.OutcomeExited)
	case <-r.ctx.Done():
		r.recordOutcome(model.OutcomeCancelled)
	}

	r.terminate(g)
	return nil
}

// terminate kills the process and joins the three activities. If a
// descendant that escaped the kill keeps the output pipe open, the pipe is
// closed from this side after JoinTimeout.
func (r *liveRun) terminate(g *errgroup.Group) {
	r.setState(model.StateTerminating)
	r.proc.Kill()
	r.cancel()

	joined := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(joined)
	}()

	select {
	case <-joined:
	case <-time.After(r.e.opts.JoinTimeout):
		r.logger.Warn("activities still running after kill, closing output")
		r.proc.CloseOutput()
		<-joined
	}
}

// pump forwards process output to the channel until EOF or until the
// channel refuses a send.
func (r *liveRun) pump() {
	buf := make([]byte, r.e.opts.ChunkSize)
	var dec utf8Stream
	out := r.proc.Output()
	for {
		n, err := out.Read(buf)
		if n > 0 {
			r.lastOutput.Store(int64(time.Since(r.startedAt)))
			if text := dec.decode(buf[:n]); text != "" && !r.forward(text) {
				return
			}
		}
		if err != nil {
			if text := dec.flush(); text != "" {
				r.forward(text)
			}
			return
		}
	}
}

// forward records a chunk for spectators and history, then sends it to the
// client.
func (r *liveRun) forward(text string) bool {
	seq := r.seq
	r.seq++
	if err := r.e.opts.Store.InsertOutputChunk(context.Background(), r.id, seq, text); err != nil {
		r.logger.Error("failed to persist output chunk", "seq", seq, "error", err)
	}
	r.e.broker.Publish(r.id, text)

	if err := r.ch.Send(text); err != nil {
		r.logger.Debug("output pump stopped", "error", err)
		return false
	}
	return true
}

// watchdog enforces the wall and idle limits. Wall wins when both trip in
// the same pass.
func (r *liveRun) watchdog(ctx context.Context) {
	ticker := time.NewTicker(r.e.opts.WatchdogInterval)
	defer ticker.Stop()

	limits := r.desc.Limits
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.proc.Done():
			return
		case <-ticker.C:
		}

		if r.proc.Exited() {
			return
		}
		elapsed := time.Since(r.startedAt)
		idle := elapsed - time.Duration(r.lastOutput.Load())
		switch {
		case elapsed > limits.Wall:
			r.limitExceeded(model.OutcomeWallLimit, noticeWallLimit)
			return
		case idle > limits.Idle:
			r.limitExceeded(model.OutcomeIdleLimit, noticeIdleLimit)
			return
		}
	}
}

func (r *liveRun) limitExceeded(o model.Outcome, notice string) {
	if r.recordOutcome(o) {
		r.logger.Info("limit exceeded", "outcome", o)
		r.e.broker.Publish(r.id, notice)
		_ = r.ch.Send(notice)
	}
	r.proc.Kill()
}

// relay copies client messages to the process's stdin. The poll timeout
// lets it notice process exit with no client traffic. After a write times
// out, stdin is treated as stalled: later messages are discarded and the
// loop only watches for disconnect and exit.
func (r *liveRun) relay(ctx context.Context) {
	stalled := false
	for ctx.Err() == nil {
		msg, err := r.ch.Receive(r.e.opts.InputPoll)
		if errors.Is(err, ErrReceiveTimeout) {
			if r.proc.Exited() {
				return
			}
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Info("client disconnected")
				r.stop(model.OutcomeDisconnected)
			}
			return
		}

		if r.proc.Exited() {
			return
		}
		if stalled {
			continue
		}
		if _, err := r.proc.Write([]byte(msg)); err != nil {
			if errors.Is(err, supervisor.ErrNotRunning) {
				return
			}
			r.logger.Warn("stdin stalled, dropping further input", "error", err)
			stalled = true
		}
	}
}

// cleanup is the single release point for every resource the run holds.
// It runs at most once.
func (r *liveRun) cleanup() {
	r.cleanupOnce.Do(func() {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()

		reaped := r.reap()

		files, err := r.ws.Harvest(r.e.opts.Harvest, r.harvestExclusions()...)
		if err != nil {
			r.logger.Warn("failed to harvest files", "error", err)
			files = map[string]string{}
		}
		if err := r.ch.SendFiles(files); err != nil {
			r.logger.Debug("files message not delivered", "error", err)
		}

		if err := r.e.opts.Registry.Delete(ctx, r.id); err != nil {
			r.logger.Error("failed to delete registry entry", "error", err)
		}
		if reaped {
			r.e.removeWorkspace(r.id, r.ws)
		} else {
			r.logger.Error("process not reaped, leaving workspace to the sweeper")
		}
		r.finish()
		if err := r.ch.Close(); err != nil {
			r.logger.Debug("channel close", "error", err)
		}

		r.setState(model.StateCleaned)
		r.e.broker.Close(r.id)
		r.cancel()
		r.e.live.Delete(r.id)
		cleanupDuration.Observe(time.Since(start).Seconds())
	})
}

// reap waits, bounded, for the process to be reaped and releases its pipes.
func (r *liveRun) reap() bool {
	if r.proc == nil {
		return true
	}
	r.proc.Kill()
	select {
	case <-r.proc.Done():
	case <-time.After(r.e.opts.JoinTimeout):
		return false
	}
	r.proc.Release()
	return true
}

func (r *liveRun) harvestExclusions() []string {
	exclude := []string{compiler.ArtifactName}
	if c, err := r.e.opts.Compilers.Resolve(r.desc.Language); err == nil {
		exclude = append(exclude, c.Info().SourceFile)
	}
	return exclude
}

func (r *liveRun) markRunning() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.e.opts.Store.UpdateSessionStatus(ctx, r.id, model.StatusRunning); err != nil {
		r.logger.Error("failed to mark session running", "error", err)
	}
}

// finish records the outcome in history and metrics.
func (r *liveRun) finish() {
	outcome := r.currentOutcome()
	f := store.Finish{Status: outcome.Status(), Outcome: outcome}
	attrs := []any{"outcome", outcome}

	if r.spawnErr != nil {
		f.Error = r.spawnErr.Error()
	}
	if r.proc != nil {
		durationMS := int(time.Since(r.startedAt).Milliseconds())
		f.DurationMS = &durationMS
		attrs = append(attrs, "duration_ms", durationMS)
		if r.proc.Exited() {
			code := r.proc.Wait().ExitCode
			f.ExitCode = &code
			attrs = append(attrs, "exit_code", code)
		}
	}

	r.e.finishRecord(r.id, f)
	sessionsTotal.WithLabelValues(string(outcome)).Inc()
	r.logger.Info("session finished", attrs...)
}

// utf8Stream turns a byte stream into valid UTF-8 text, holding back a
// multi-byte sequence split across reads until the rest arrives.
type utf8Stream struct {
	pending []byte
}

func (s *utf8Stream) decode(b []byte) string {
	data := append(s.pending, b...)
	cut := len(data)
	for k := 1; k <= utf8.UTFMax-1 && k <= len(data); k++ {
		if utf8.RuneStart(data[len(data)-k]) {
			if !utf8.FullRune(data[len(data)-k:]) {
				cut = len(data) - k
			}
			break
		}
	}
	s.pending = append([]byte(nil), data[cut:]...)
	return strings.ToValidUTF8(string(data[:cut]), string(utf8.RuneError))
}

func (s *utf8Stream) flush() string {
	if len(s.pending) == 0 {
		return ""
	}
	text := strings.ToValidUTF8(string(s.pending), string(utf8.RuneError))
	s.pending = nil
	return text
}
