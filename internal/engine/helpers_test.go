package engine_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/compiler"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/registry"
	"github.com/seantiz/kiln/internal/store"
	"github.com/seantiz/kiln/internal/workspace"
)

// memChannel is an in-memory engine.Channel driven by the test as client.
type memChannel struct {
	mu         sync.Mutex
	sent       []string
	files      map[string]string
	filesCount int
	sendAfter  int // messages sent after SendFiles

	in        chan string
	closed    chan struct{}
	closeOnce sync.Once
}

func newMemChannel() *memChannel {
	return &memChannel{
		in:     make(chan string, 16),
		closed: make(chan struct{}),
	}
}

func (c *memChannel) Send(text string) error {
	select {
	case <-c.closed:
		return engine.ErrChannelClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	if c.filesCount > 0 {
		c.sendAfter++
	}
	return nil
}

func (c *memChannel) SendFiles(files map[string]string) error {
	select {
	case <-c.closed:
		return engine.ErrChannelClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = files
	c.filesCount++
	return nil
}

func (c *memChannel) Receive(timeout time.Duration) (string, error) {
	select {
	case <-c.closed:
		return "", engine.ErrChannelClosed
	default:
	}
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		return "", engine.ErrChannelClosed
	case <-time.After(timeout):
		return "", engine.ErrReceiveTimeout
	}
}

func (c *memChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *memChannel) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.sent, "")
}

func (c *memChannel) fileMessages() (map[string]string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.files, c.filesCount
}

// pending reports client messages not yet received by the engine.
func (c *memChannel) pending() int {
	return len(c.in)
}

func (c *memChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type testEnv struct {
	eng   *engine.Engine
	store *store.SQLiteStore
	reg   registry.Registry
	ws    *workspace.Manager
}

// newTestEngine builds an engine whose "compiler" copies a shell script into
// place, so sessions run real child processes without a C++ toolchain.
func newTestEngine(t *testing.T, mutate func(*engine.Options)) *testEnv {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	wsm, err := workspace.NewManager(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	compilers := compiler.NewRegistry()
	sh, err := compiler.NewCommand("sh", "main.sh", []string{".sh"}, "cp {sources} {output}", 5*time.Second)
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	compilers.Register(sh)
	broken, err := compiler.NewCommand("broken", "main.sh", nil, `sh -c "echo 'main.sh:1: syntax error' >&2; exit 1"`, 5*time.Second)
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	compilers.Register(broken)

	opts := engine.Options{
		Store:      s,
		Registry:   registry.NewMemory(),
		Compilers:  compilers,
		Workspaces: wsm,
		Logger:     slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Bounds: model.LimitBounds{
			DefaultWall: 5 * time.Second,
			DefaultIdle: 3 * time.Second,
			Min:         100 * time.Millisecond,
			MaxWall:     10 * time.Second,
		},
		SessionTTL:       time.Hour,
		WatchdogInterval: 10 * time.Millisecond,
		InputPoll:        10 * time.Millisecond,
		ChunkSize:        1024,
		WriteTimeout:     time.Second,
		JoinTimeout:      2 * time.Second,
		MemoryLimitMB:    256,
		FileSizeLimitKB:  4096,
		MaxCodeBytes:     20000,
		Harvest: workspace.HarvestPolicy{
			MaxBytes:   1024,
			MaxFiles:   8,
			Extensions: []string{".txt"},
		},
		RunWallLimit:   2 * time.Second,
		RunOutputLimit: 1 << 16,
	}
	if mutate != nil {
		mutate(&opts)
	}

	eng := engine.NewEngine(opts)
	t.Cleanup(func() {
		eng.Shutdown()
		eng.Wait()
	})
	return &testEnv{eng: eng, store: s, reg: opts.Registry, ws: wsm}
}

func ms(v int64) *int64 { return &v }

// create submits script as a session and fails the test on anything but success.
func (env *testEnv) create(t *testing.T, script string, wallMS, idleMS *int64) *engine.CreateResult {
	t.Helper()
	res, err := env.eng.Create(context.Background(), engine.CreateRequest{
		Code:        "#!/bin/sh\n" + script + "\n",
		WallLimitMS: wallMS,
		IdleLimitMS: idleMS,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !res.OK {
		t.Fatalf("Create not OK: %q", res.Diagnostics)
	}
	return res
}

// attach runs Attach in the background and returns a channel with its result.
func (env *testEnv) attach(id string, ch engine.Channel) <-chan error {
	done := make(chan error, 1)
	go func() { done <- env.eng.Attach(context.Background(), id, ch) }()
	return done
}

func waitAttach(t *testing.T, done <-chan error, timeout time.Duration) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		t.Fatalf("Attach did not return within %v", timeout)
		return nil
	}
}

func waitLive(t *testing.T, eng *engine.Engine, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if eng.Live(id) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never went live", id)
}

// assertReclaimed checks that nothing of the session survives its live phase.
func (env *testEnv) assertReclaimed(t *testing.T, id string) {
	t.Helper()
	if _, err := os.Stat(filepath.Join(env.ws.Root(), id)); !os.IsNotExist(err) {
		t.Errorf("workspace for %s still exists (stat err %v)", id, err)
	}
	if _, err := env.reg.Get(context.Background(), id); err != registry.ErrNotFound {
		t.Errorf("registry Get after cleanup = %v, want ErrNotFound", err)
	}
	if env.eng.Live(id) {
		t.Errorf("session %s still live", id)
	}
}

func (env *testEnv) session(t *testing.T, id string) *model.Session {
	t.Helper()
	sess, err := env.store.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	return sess
}
