package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/kiln/internal/compiler"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/registry"
	"github.com/seantiz/kiln/internal/store"
	"github.com/seantiz/kiln/internal/workspace"
)

var (
	// ErrSessionNotFound is returned when a session id is unknown, expired,
	// or already consumed by another live channel.
	ErrSessionNotFound = errors.New("session not found")

	// ErrRegistryUnavailable is returned when the session registry cannot be
	// reached. It wraps registry.ErrUnavailable.
	ErrRegistryUnavailable = errors.New("session registry unavailable")

	// ErrInvalidRequest is returned for submissions that can never succeed:
	// empty or oversized code, unknown language, bad file names.
	ErrInvalidRequest = errors.New("invalid request")
)

// Client-visible notices.
const (
	noticeNotFound  = "Session not found\n"
	noticeRegistry  = "Session registry unavailable\n"
	noticeWallLimit = "\n[WALL TIME EXCEEDED]\n"
	noticeIdleLimit = "\n[IDLE TIME EXCEEDED]\n"
	noticeTimeout   = "\n[TIMEOUT]\n"
)

// Defaults for zero-valued Options fields.
const (
	defaultSessionTTL       = 15 * time.Minute
	defaultWatchdogInterval = 100 * time.Millisecond
	defaultInputPoll        = 100 * time.Millisecond
	defaultChunkSize        = 1024
	defaultJoinTimeout      = 3 * time.Second
	defaultMaxCodeBytes     = 20000
	defaultRunWallLimit     = 2 * time.Second
	defaultRunOutputLimit   = 1 << 20

	// storeTimeout bounds history writes made outside any request context.
	storeTimeout = 5 * time.Second
)

// Options wires an Engine to its collaborators and tunes it.
type Options struct {
	Store      store.Store
	Registry   registry.Registry
	Compilers  *compiler.Registry
	Workspaces *workspace.Manager
	Logger     *slog.Logger

	Bounds           model.LimitBounds
	SessionTTL       time.Duration
	WatchdogInterval time.Duration
	InputPoll        time.Duration
	ChunkSize        int
	WriteTimeout     time.Duration
	JoinTimeout      time.Duration

	MemoryLimitMB   uint64
	FileSizeLimitKB uint64
	RunPrefix       []string

	MaxCodeBytes int
	Harvest      workspace.HarvestPolicy

	RunWallLimit   time.Duration
	RunOutputLimit int64
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.SessionTTL <= 0 {
		o.SessionTTL = defaultSessionTTL
	}
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = defaultWatchdogInterval
	}
	if o.InputPoll <= 0 {
		o.InputPoll = defaultInputPoll
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = defaultChunkSize
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = defaultJoinTimeout
	}
	if o.MaxCodeBytes <= 0 {
		o.MaxCodeBytes = defaultMaxCodeBytes
	}
	if o.RunWallLimit <= 0 {
		o.RunWallLimit = defaultRunWallLimit
	}
	if o.RunOutputLimit <= 0 {
		o.RunOutputLimit = defaultRunOutputLimit
	}
}

// Engine owns every session from compilation to cleanup.
type Engine struct {
	opts   Options
	logger *slog.Logger
	broker *OutputBroker

	// live holds one *liveRun per session id currently bound to a channel.
	// Claiming an id here is what makes a descriptor single-use.
	live sync.Map

	wg sync.WaitGroup
}

// NewEngine creates an engine. Store, Registry, Compilers and Workspaces
// are required.
func NewEngine(opts Options) *Engine {
	opts.setDefaults()
	return &Engine{
		opts:   opts,
		logger: opts.Logger,
		broker: NewOutputBroker(),
	}
}

// Broker returns the engine's output broker for spectator streams.
func (e *Engine) Broker() *OutputBroker {
	return e.broker
}

// Languages lists the registered compilers.
func (e *Engine) Languages() []compiler.Info {
	return e.opts.Compilers.List()
}

// Wait blocks until all live runs and background loops have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// CreateRequest is a submission for an interactive session.
type CreateRequest struct {
	Code        string
	Language    string
	Files       map[string]string
	WallLimitMS *int64
	IdleLimitMS *int64
}

// CreateResult is the outcome of Create. A compile failure is a result with
// OK false, not an error.
type CreateResult struct {
	OK          bool
	SessionID   string
	Language    string
	Limits      model.Limits
	Diagnostics string
}

// Create compiles a submission and registers a session descriptor for it.
// On compile failure the workspace is removed and no session exists.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	limits := e.opts.Bounds.Clamp(req.WallLimitMS, req.IdleLimitMS)

	b, err := e.prepare(ctx, req.Code, req.Language, req.Files)
	if err != nil {
		return nil, err
	}
	lang := b.compiler.Info().Language
	if !b.result.OK {
		e.removeWorkspace(b.id, b.ws)
		return &CreateResult{Language: lang, Diagnostics: b.result.Diagnostics}, nil
	}

	desc := &model.Descriptor{
		ID:            b.id,
		Language:      lang,
		WorkspacePath: b.ws.Dir,
		ArtifactPath:  b.result.Artifact,
		Limits:        limits,
		CreatedAt:     time.Now().UTC(),
	}
	if err := e.opts.Registry.Put(ctx, desc, e.opts.SessionTTL); err != nil {
		e.removeWorkspace(b.id, b.ws)
		return nil, fmt.Errorf("%w: %w", ErrRegistryUnavailable, err)
	}

	sess := &model.Session{
		ID:          desc.ID,
		Status:      model.StatusCreated,
		Language:    lang,
		WallLimitMS: limits.WallMS(),
		IdleLimitMS: limits.IdleMS(),
		CreatedAt:   desc.CreatedAt,
	}
	if err := e.opts.Store.CreateSession(ctx, sess); err != nil {
		e.logger.Error("failed to record session", "session_id", desc.ID, "error", err)
	}

	e.logger.Info("session created",
		"session_id", desc.ID,
		"language", lang,
		"wall_ms", limits.WallMS(),
		"idle_ms", limits.IdleMS(),
	)
	return &CreateResult{OK: true, SessionID: desc.ID, Language: lang, Limits: limits}, nil
}

// prepared is a compiled submission. The caller owns ws.
type prepared struct {
	id       string
	ws       *workspace.Workspace
	compiler compiler.Compiler
	result   compiler.Result
}

// prepare is the shared front half of Create and Execute: validate, write the
// workspace, compile. On error the workspace has already been removed; a
// compile failure is returned as a result and leaves the workspace in place.
func (e *Engine) prepare(ctx context.Context, code, language string, files map[string]string) (*prepared, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: code is empty", ErrInvalidRequest)
	}
	size := len(code)
	for _, content := range files {
		size += len(content)
	}
	if size > e.opts.MaxCodeBytes {
		return nil, fmt.Errorf("%w: submission is %d bytes, limit is %d", ErrInvalidRequest, size, e.opts.MaxCodeBytes)
	}

	c, err := e.opts.Compilers.Resolve(language)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	info := c.Info()

	id := model.NewID()
	ws, err := e.opts.Workspaces.Create(id)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	if err := ws.WriteFiles(info.SourceFile, code, files); err != nil {
		e.removeWorkspace(id, ws)
		if errors.Is(err, workspace.ErrInvalidPath) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return nil, fmt.Errorf("write sources: %w", err)
	}

	names := make([]string, 0, len(files)+1)
	names = append(names, info.SourceFile)
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	res, err := c.Compile(ctx, ws.Dir, names)
	compileDuration.Observe(res.Duration.Seconds())
	if err != nil {
		e.removeWorkspace(id, ws)
		return nil, fmt.Errorf("compile: %w", err)
	}
	if !res.OK {
		compileFailures.WithLabelValues(info.Language).Inc()
		e.logger.Info("compile failed", "session_id", id, "language", info.Language)
	}

	return &prepared{id: id, ws: ws, compiler: c, result: res}, nil
}

// Attach binds ch to the session id and runs it to completion. It returns
// once the session is CLEANED and ch is closed.
//
// An id that is unknown, expired, or already bound to another channel gets
// a not-found notice and ErrSessionNotFound; no process is spawned.
func (e *Engine) Attach(ctx context.Context, id string, ch Channel) error {
	e.wg.Add(1)
	defer e.wg.Done()

	run := newLiveRun(ctx, e, id, ch)
	if _, loaded := e.live.LoadOrStore(id, run); loaded {
		run.cancel()
		e.reject(id, ch, noticeNotFound)
		return ErrSessionNotFound
	}

	desc, err := e.opts.Registry.Get(ctx, id)
	if err != nil {
		run.cancel()
		e.live.Delete(id)
		if errors.Is(err, registry.ErrNotFound) {
			e.reject(id, ch, noticeNotFound)
			return ErrSessionNotFound
		}
		e.reject(id, ch, noticeRegistry)
		return fmt.Errorf("%w: %w", ErrRegistryUnavailable, err)
	}

	return run.run(desc)
}

// reject tells the client why it cannot attach and closes the channel.
func (e *Engine) reject(id string, ch Channel, notice string) {
	e.logger.Info("session attach rejected", "session_id", id, "state", model.StateNotFound.String())
	_ = ch.Send(notice)
	_ = ch.Close()
}

// Cancel ends a session on request. A live run is terminated with outcome
// cancelled; a session that was created but never attached is discarded.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	if v, ok := e.live.Load(id); ok {
		v.(*liveRun).stop(model.OutcomeCancelled)
		return nil
	}

	// Claim the id so a concurrent Attach cannot start it mid-discard.
	placeholder := newLiveRun(context.Background(), e, id, nil)
	placeholder.cancel()
	if v, loaded := e.live.LoadOrStore(id, placeholder); loaded {
		v.(*liveRun).stop(model.OutcomeCancelled)
		return nil
	}
	defer e.live.Delete(id)

	desc, err := e.opts.Registry.Get(ctx, id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("%w: %w", ErrRegistryUnavailable, err)
	}
	if err := e.opts.Registry.Delete(ctx, id); err != nil {
		return fmt.Errorf("%w: %w", ErrRegistryUnavailable, err)
	}
	e.removeWorkspace(id, e.opts.Workspaces.Open(desc.WorkspacePath))
	e.finishRecord(id, store.Finish{Status: model.StatusKilled, Outcome: model.OutcomeCancelled})

	e.logger.Info("session discarded", "session_id", id)
	return nil
}

// Shutdown cancels every live run. Callers then use Wait for cleanup to
// finish.
func (e *Engine) Shutdown() {
	e.live.Range(func(_, v any) bool {
		v.(*liveRun).stop(model.OutcomeCancelled)
		return true
	})
}

// Live reports whether id is currently bound to a channel.
func (e *Engine) Live(id string) bool {
	_, ok := e.live.Load(id)
	return ok
}

// LiveCount returns the number of sessions currently bound to a channel.
func (e *Engine) LiveCount() int {
	n := 0
	e.live.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (e *Engine) removeWorkspace(id string, ws *workspace.Workspace) {
	if err := ws.Remove(); err != nil {
		e.logger.Error("failed to remove workspace", "session_id", id, "error", err)
	}
}

func (e *Engine) finishRecord(id string, f store.Finish) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := e.opts.Store.FinishSession(ctx, id, f); err != nil {
		e.logger.Error("failed to finish session record", "session_id", id, "error", err)
	}
}
