package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/compiler"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/registry"
)

func TestEchoSession(t *testing.T) {
	env := newTestEngine(t, nil)
	res := env.create(t, `read line; echo "got $line"`, nil, nil)

	ch := newMemChannel()
	done := env.attach(res.SessionID, ch)
	ch.in <- "hello\n"

	if err := waitAttach(t, done, 5*time.Second); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if got := ch.output(); got != "got hello\n" {
		t.Errorf("output = %q, want %q", got, "got hello\n")
	}
	files, n := ch.fileMessages()
	if n != 1 {
		t.Errorf("files messages = %d, want 1", n)
	}
	if len(files) != 0 {
		t.Errorf("files = %v, want empty", files)
	}
	if ch.sendAfter != 0 {
		t.Errorf("%d messages sent after the files message", ch.sendAfter)
	}
	if !ch.isClosed() {
		t.Error("channel not closed")
	}
	env.assertReclaimed(t, res.SessionID)

	sess := env.session(t, res.SessionID)
	if sess.Status != model.StatusCompleted {
		t.Errorf("status = %q, want completed", sess.Status)
	}
	if sess.Outcome != model.OutcomeExited {
		t.Errorf("outcome = %q, want exited", sess.Outcome)
	}
	if sess.ExitCode == nil || *sess.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", sess.ExitCode)
	}
	if sess.StartedAt == nil || sess.FinishedAt == nil {
		t.Error("started_at and finished_at should be set")
	}
}

func TestOutputPersistedAndBroadcast(t *testing.T) {
	env := newTestEngine(t, nil)
	res := env.create(t, "echo one; echo two", nil, nil)

	sub, unsub := env.eng.Broker().Subscribe(res.SessionID)
	defer unsub()

	ch := newMemChannel()
	if err := waitAttach(t, env.attach(res.SessionID, ch), 5*time.Second); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	var spectated strings.Builder
	for chunk := range sub {
		spectated.WriteString(chunk)
	}
	if spectated.String() != "one\ntwo\n" {
		t.Errorf("spectator saw %q", spectated.String())
	}

	chunks, err := env.store.GetOutputChunks(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("GetOutputChunks: %v", err)
	}
	var persisted strings.Builder
	for i, c := range chunks {
		if c.Seq != i {
			t.Errorf("chunk %d has seq %d", i, c.Seq)
		}
		persisted.WriteString(c.Chunk)
	}
	if persisted.String() != ch.output() {
		t.Errorf("persisted %q, sent %q", persisted.String(), ch.output())
	}
}

func TestIdleLimitBeforeWall(t *testing.T) {
	env := newTestEngine(t, nil)
	res := env.create(t, "sleep 30", ms(2000), ms(300))

	ch := newMemChannel()
	start := time.Now()
	if err := waitAttach(t, env.attach(res.SessionID, ch), 5*time.Second); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	elapsed := time.Since(start)

	out := ch.output()
	if !strings.Contains(out, "[IDLE TIME EXCEEDED]") {
		t.Errorf("output = %q, want idle notice", out)
	}
	if strings.Contains(out, "[WALL TIME EXCEEDED]") {
		t.Errorf("output = %q, wall notice should not appear", out)
	}
	if elapsed >= 2*time.Second {
		t.Errorf("session took %v, want idle kill before the wall limit", elapsed)
	}
	env.assertReclaimed(t, res.SessionID)

	sess := env.session(t, res.SessionID)
	if sess.Outcome != model.OutcomeIdleLimit || sess.Status != model.StatusKilled {
		t.Errorf("record = %s/%s, want killed/idle_limit", sess.Status, sess.Outcome)
	}
}

func TestWallLimitWithContinuousOutput(t *testing.T) {
	env := newTestEngine(t, nil)
	res := env.create(t, "while :; do echo tick; sleep 0.05; done", ms(600), ms(300))

	ch := newMemChannel()
	start := time.Now()
	if err := waitAttach(t, env.attach(res.SessionID, ch), 5*time.Second); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	elapsed := time.Since(start)

	out := ch.output()
	if !strings.Contains(out, "[WALL TIME EXCEEDED]") {
		t.Errorf("output = %q, want wall notice", out)
	}
	if strings.Contains(out, "[IDLE TIME EXCEEDED]") {
		t.Error("idle notice should not appear while output is continuous")
	}
	if elapsed < 600*time.Millisecond {
		t.Errorf("session ended after %v, before the wall limit", elapsed)
	}
	if sess := env.session(t, res.SessionID); sess.Outcome != model.OutcomeWallLimit {
		t.Errorf("outcome = %q, want wall_limit", sess.Outcome)
	}
}

func TestWallLimitWinsWhenBothTrip(t *testing.T) {
	env := newTestEngine(t, nil)
	res := env.create(t, "sleep 30", ms(1000), ms(1000))
	if res.Limits.Wall != res.Limits.Idle {
		t.Fatalf("limits = %+v, want equal wall and idle", res.Limits)
	}

	ch := newMemChannel()
	if err := waitAttach(t, env.attach(res.SessionID, ch), 5*time.Second); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	out := ch.output()
	if !strings.Contains(out, "[WALL TIME EXCEEDED]") {
		t.Errorf("output = %q, want wall notice", out)
	}
	if strings.Contains(out, "[IDLE TIME EXCEEDED]") {
		t.Errorf("output = %q, idle notice should not appear", out)
	}
	if sess := env.session(t, res.SessionID); sess.Outcome != model.OutcomeWallLimit {
		t.Errorf("outcome = %q, want wall_limit", sess.Outcome)
	}
}

func TestDisconnectKillsProcess(t *testing.T) {
	env := newTestEngine(t, nil)
	res := env.create(t, "sleep 30", nil, nil)

	ch := newMemChannel()
	done := env.attach(res.SessionID, ch)
	waitLive(t, env.eng, res.SessionID)

	start := time.Now()
	ch.Close()
	if err := waitAttach(t, done, 3*time.Second); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cleanup after disconnect took %v", elapsed)
	}
	env.assertReclaimed(t, res.SessionID)

	sess := env.session(t, res.SessionID)
	if sess.Outcome != model.OutcomeDisconnected {
		t.Errorf("outcome = %q, want disconnected", sess.Outcome)
	}
	if sess.ExitCode == nil || *sess.ExitCode != 137 {
		t.Errorf("exit code = %v, want 137", sess.ExitCode)
	}
}

func TestAttachUnknownSession(t *testing.T) {
	env := newTestEngine(t, nil)

	ch := newMemChannel()
	err := env.eng.Attach(context.Background(), model.NewID(), ch)
	if !errors.Is(err, engine.ErrSessionNotFound) {
		t.Errorf("Attach error = %v, want ErrSessionNotFound", err)
	}
	if got := ch.output(); got != "Session not found\n" {
		t.Errorf("output = %q", got)
	}
	if _, n := ch.fileMessages(); n != 0 {
		t.Errorf("files messages = %d, want 0", n)
	}
	if !ch.isClosed() {
		t.Error("channel not closed")
	}
}

func TestSecondAttachRejected(t *testing.T) {
	env := newTestEngine(t, nil)
	res := env.create(t, "sleep 30", nil, nil)

	first := newMemChannel()
	done := env.attach(res.SessionID, first)
	waitLive(t, env.eng, res.SessionID)

	second := newMemChannel()
	err := env.eng.Attach(context.Background(), res.SessionID, second)
	if !errors.Is(err, engine.ErrSessionNotFound) {
		t.Errorf("second Attach = %v, want ErrSessionNotFound", err)
	}
	if second.output() != "Session not found\n" || !second.isClosed() {
		t.Errorf("second channel got %q, closed=%v", second.output(), second.isClosed())
	}
	if first.isClosed() {
		t.Error("first channel was disturbed by the rejected attach")
	}

	if err := env.eng.Cancel(context.Background(), res.SessionID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := waitAttach(t, done, 3*time.Second); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	env.assertReclaimed(t, res.SessionID)
	if sess := env.session(t, res.SessionID); sess.Outcome != model.OutcomeCancelled {
		t.Errorf("outcome = %q, want cancelled", sess.Outcome)
	}
}

func TestDescriptorIsSingleUse(t *testing.T) {
	env := newTestEngine(t, nil)
	res := env.create(t, "echo once", nil, nil)

	if err := waitAttach(t, env.attach(res.SessionID, newMemChannel()), 5*time.Second); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	ch := newMemChannel()
	if err := env.eng.Attach(context.Background(), res.SessionID, ch); !errors.Is(err, engine.ErrSessionNotFound) {
		t.Errorf("reattach = %v, want ErrSessionNotFound", err)
	}
}

func TestInputAfterExitDoesNotBlock(t *testing.T) {
	env := newTestEngine(t, nil)
	res := env.create(t, "exit 0", nil, nil)

	ch := newMemChannel()
	done := env.attach(res.SessionID, ch)
	go func() {
		for i := 0; i < 16; i++ {
			select {
			case ch.in <- "late input\n":
			case <-ch.closed:
				return
			}
		}
	}()

	if err := waitAttach(t, done, 3*time.Second); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	env.assertReclaimed(t, res.SessionID)
}

func TestStalledInputIsDroppedAndDisconnectStillSeen(t *testing.T) {
	env := newTestEngine(t, func(o *engine.Options) {
		o.WriteTimeout = 300 * time.Millisecond
	})
	// The program never reads stdin, so the pipe fills and writes time out.
	res := env.create(t, "sleep 30", ms(10000), ms(10000))

	ch := newMemChannel()
	done := env.attach(res.SessionID, ch)
	waitLive(t, env.eng, res.SessionID)

	chunk := strings.Repeat("x", 64<<10)
	start := time.Now()
	for i := 0; i < 8; i++ {
		ch.in <- chunk
	}

	// One write times out; the rest are discarded without waiting.
	deadline := start.Add(1200 * time.Millisecond)
	for ch.pending() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d messages still queued, relay is blocking on stdin", ch.pending())
		}
		time.Sleep(10 * time.Millisecond)
	}

	ch.Close()
	if err := waitAttach(t, done, 2*time.Second); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	env.assertReclaimed(t, res.SessionID)

	sess := env.session(t, res.SessionID)
	if sess.Outcome != model.OutcomeDisconnected {
		t.Errorf("outcome = %q, want disconnected", sess.Outcome)
	}
}

func TestResidualFilesHarvested(t *testing.T) {
	env := newTestEngine(t, nil)
	res := env.create(t, "echo 42 > result.txt; head -c 4096 /dev/zero > big.txt; echo x > skip.bin; echo done", nil, nil)

	ch := newMemChannel()
	if err := waitAttach(t, env.attach(res.SessionID, ch), 5*time.Second); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	files, n := ch.fileMessages()
	if n != 1 {
		t.Fatalf("files messages = %d, want 1", n)
	}
	if len(files) != 1 || files["result.txt"] != "42\n" {
		t.Errorf("files = %v, want only result.txt", files)
	}
	env.assertReclaimed(t, res.SessionID)
}

func TestSpawnFailure(t *testing.T) {
	env := newTestEngine(t, nil)
	res := env.create(t, "echo never", nil, nil)

	desc, err := env.reg.Get(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("registry Get: %v", err)
	}
	if err := os.Remove(desc.ArtifactPath); err != nil {
		t.Fatalf("remove artifact: %v", err)
	}

	ch := newMemChannel()
	err = env.eng.Attach(context.Background(), res.SessionID, ch)
	if err == nil {
		t.Fatal("Attach with a missing artifact returned nil")
	}
	if !strings.HasPrefix(ch.output(), "Failed to start: ") {
		t.Errorf("output = %q, want start failure notice", ch.output())
	}
	if _, n := ch.fileMessages(); n != 1 {
		t.Errorf("files messages = %d, want 1", n)
	}
	env.assertReclaimed(t, res.SessionID)

	sess := env.session(t, res.SessionID)
	if sess.Status != model.StatusFailed || sess.Outcome != model.OutcomeSpawnFailed {
		t.Errorf("record = %s/%s, want failed/spawn_failed", sess.Status, sess.Outcome)
	}
	if sess.Error == "" {
		t.Error("record error is empty")
	}
}

func TestCompileFailure(t *testing.T) {
	env := newTestEngine(t, nil)

	res, err := env.eng.Create(context.Background(), engine.CreateRequest{
		Code:     "this is not valid",
		Language: "broken",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.OK {
		t.Fatal("Create OK for invalid source")
	}
	if res.SessionID != "" {
		t.Errorf("session id %q issued for a failed compile", res.SessionID)
	}
	if !strings.Contains(res.Diagnostics, "syntax error") {
		t.Errorf("Diagnostics = %q", res.Diagnostics)
	}

	entries, err := os.ReadDir(env.ws.Root())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("workspace root has %d entries after a failed compile", len(entries))
	}
}

func TestCreateInvalidRequests(t *testing.T) {
	env := newTestEngine(t, nil)

	tests := []struct {
		name string
		req  engine.CreateRequest
	}{
		{"empty code", engine.CreateRequest{}},
		{"oversized", engine.CreateRequest{Code: strings.Repeat("x", 20001)}},
		{"oversized with files", engine.CreateRequest{
			Code:  strings.Repeat("x", 15000),
			Files: map[string]string{"data.txt": strings.Repeat("y", 6000)},
		}},
		{"unknown language", engine.CreateRequest{Code: "x", Language: "cobol"}},
		{"escaping file", engine.CreateRequest{Code: "x", Files: map[string]string{"../x.txt": "y"}}},
		{"shadowing primary", engine.CreateRequest{Code: "x", Files: map[string]string{"main.sh": "y"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.eng.Create(context.Background(), tc.req)
			if !errors.Is(err, engine.ErrInvalidRequest) {
				t.Errorf("Create error = %v, want ErrInvalidRequest", err)
			}
		})
	}

	_, err := env.eng.Create(context.Background(), engine.CreateRequest{Code: "x", Language: "cobol"})
	if !errors.Is(err, compiler.ErrUnknownLanguage) {
		t.Errorf("unknown language error = %v, want ErrUnknownLanguage", err)
	}

	entries, _ := os.ReadDir(env.ws.Root())
	if len(entries) != 0 {
		t.Errorf("workspace root has %d entries after rejected requests", len(entries))
	}
}

func TestCreateClampsLimits(t *testing.T) {
	env := newTestEngine(t, nil)

	tests := []struct {
		name       string
		wall, idle *int64
		wantWall   time.Duration
		wantIdle   time.Duration
	}{
		{"defaults", nil, nil, 5 * time.Second, 3 * time.Second},
		{"idle above wall", ms(1000), ms(4000), time.Second, time.Second},
		{"wall above max", ms(60000), nil, 10 * time.Second, 3 * time.Second},
		{"below floor", ms(1), ms(0), 100 * time.Millisecond, 100 * time.Millisecond},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := env.create(t, "true", tc.wall, tc.idle)
			if res.Limits.Wall != tc.wantWall || res.Limits.Idle != tc.wantIdle {
				t.Errorf("limits = %v/%v, want %v/%v", res.Limits.Wall, res.Limits.Idle, tc.wantWall, tc.wantIdle)
			}
			desc, err := env.reg.Get(context.Background(), res.SessionID)
			if err != nil {
				t.Fatalf("registry Get: %v", err)
			}
			if desc.Limits != res.Limits {
				t.Errorf("registered limits %v differ from reported %v", desc.Limits, res.Limits)
			}
		})
	}
}

// failingRegistry is a registry whose backend is down.
type failingRegistry struct{}

func (failingRegistry) Put(context.Context, *model.Descriptor, time.Duration) error {
	return registry.ErrUnavailable
}

func (failingRegistry) Get(context.Context, string) (*model.Descriptor, error) {
	return nil, registry.ErrUnavailable
}

func (failingRegistry) Delete(context.Context, string) error {
	return registry.ErrUnavailable
}

func TestRegistryUnavailable(t *testing.T) {
	env := newTestEngine(t, func(o *engine.Options) { o.Registry = failingRegistry{} })

	_, err := env.eng.Create(context.Background(), engine.CreateRequest{Code: "#!/bin/sh\ntrue\n"})
	if !errors.Is(err, engine.ErrRegistryUnavailable) || !errors.Is(err, registry.ErrUnavailable) {
		t.Errorf("Create error = %v, want ErrRegistryUnavailable", err)
	}
	if errors.Is(err, engine.ErrSessionNotFound) {
		t.Error("registry outage reported as not found")
	}
	entries, _ := os.ReadDir(env.ws.Root())
	if len(entries) != 0 {
		t.Errorf("workspace root has %d entries after registry failure", len(entries))
	}

	ch := newMemChannel()
	err = env.eng.Attach(context.Background(), model.NewID(), ch)
	if !errors.Is(err, engine.ErrRegistryUnavailable) {
		t.Errorf("Attach error = %v, want ErrRegistryUnavailable", err)
	}
	if !ch.isClosed() || ch.output() == "" {
		t.Errorf("client got %q, closed=%v; want a notice and close", ch.output(), ch.isClosed())
	}
}

func TestCancelUnattachedSession(t *testing.T) {
	env := newTestEngine(t, nil)
	res := env.create(t, "echo never", nil, nil)

	if err := env.eng.Cancel(context.Background(), res.SessionID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	env.assertReclaimed(t, res.SessionID)

	sess := env.session(t, res.SessionID)
	if sess.Status != model.StatusKilled || sess.Outcome != model.OutcomeCancelled {
		t.Errorf("record = %s/%s, want killed/cancelled", sess.Status, sess.Outcome)
	}

	if err := env.eng.Cancel(context.Background(), res.SessionID); !errors.Is(err, engine.ErrSessionNotFound) {
		t.Errorf("second Cancel = %v, want ErrSessionNotFound", err)
	}
}

func TestShutdownCancelsLiveRuns(t *testing.T) {
	env := newTestEngine(t, nil)
	res := env.create(t, "sleep 30", nil, nil)

	done := env.attach(res.SessionID, newMemChannel())
	waitLive(t, env.eng, res.SessionID)

	env.eng.Shutdown()
	if err := waitAttach(t, done, 3*time.Second); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	env.eng.Wait()
	env.assertReclaimed(t, res.SessionID)
}

func TestSweepRemovesOrphans(t *testing.T) {
	env := newTestEngine(t, nil)
	orphan := env.create(t, "true", nil, nil)
	registered := env.create(t, "true", nil, nil)

	old := time.Now().Add(-2 * time.Hour)
	for _, id := range []string{orphan.SessionID, registered.SessionID} {
		if err := os.Chtimes(filepath.Join(env.ws.Root(), id), old, old); err != nil {
			t.Fatalf("Chtimes: %v", err)
		}
	}
	// Simulate registry expiry for the orphan only.
	if err := env.reg.Delete(context.Background(), orphan.SessionID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	report, err := env.eng.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(report.Removed) != 1 || report.Removed[0] != orphan.SessionID {
		t.Errorf("removed = %v, want [%s]", report.Removed, orphan.SessionID)
	}
	if _, err := os.Stat(filepath.Join(env.ws.Root(), registered.SessionID)); err != nil {
		t.Errorf("registered workspace was swept: %v", err)
	}
	if sess := env.session(t, orphan.SessionID); sess.Status != model.StatusExpired {
		t.Errorf("orphan status = %q, want expired", sess.Status)
	}
	if sess := env.session(t, registered.SessionID); sess.Status != model.StatusCreated {
		t.Errorf("registered status = %q, want created", sess.Status)
	}
}

func TestSweepPurgesExpiredRegistryEntries(t *testing.T) {
	env := newTestEngine(t, func(o *engine.Options) { o.SessionTTL = 50 * time.Millisecond })
	res := env.create(t, "true", nil, nil)

	time.Sleep(100 * time.Millisecond)
	report, err := env.eng.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.Purged != 1 {
		t.Errorf("purged = %d, want 1", report.Purged)
	}
	if len(report.Removed) != 1 || report.Removed[0] != res.SessionID {
		t.Errorf("removed = %v, want [%s]", report.Removed, res.SessionID)
	}
}

func TestSweepSkipsLiveSessions(t *testing.T) {
	env := newTestEngine(t, nil)
	res := env.create(t, "sleep 30", nil, nil)

	done := env.attach(res.SessionID, newMemChannel())
	waitLive(t, env.eng, res.SessionID)
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(env.ws.Root(), res.SessionID), old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	report, err := env.eng.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(report.Removed) != 0 {
		t.Errorf("live workspace swept: %v", report.Removed)
	}

	if err := env.eng.Cancel(context.Background(), res.SessionID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitAttach(t, done, 3*time.Second)
}
