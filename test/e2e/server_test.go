package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// shellCompile makes the "cpp" language copy a shell script into place, so
// the session lifecycle can be exercised on hosts without a C++ toolchain.
const shellCompile = "cp {sources} {output}"

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd       *exec.Cmd
	stdout    *lockedBuffer
	url       string
	workspace string
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "kiln-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "kiln")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/kiln")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

// startServer runs "kiln serve" with a private database and workspace root.
// env entries override the defaults.
func startServer(t *testing.T, env ...string) *serverProc {
	t.Helper()
	binary := getBinary(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	tmp := t.TempDir()
	workspace := filepath.Join(tmp, "ws")

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary, "serve")
	cmd.Env = append(os.Environ(),
		"KILN_LISTEN_ADDR="+addr,
		"KILN_DB_PATH="+filepath.Join(tmp, "kiln.db"),
		"KILN_WORKSPACE_ROOT="+workspace,
		"KILN_LOG_LEVEL=info",
		"KILN_RUN_PREFIX=env",
	)
	cmd.Env = append(cmd.Env, env...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:       cmd,
		stdout:    stdout,
		url:       "http://" + addr,
		workspace: workspace,
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

type createResponse struct {
	OK           bool   `json:"ok"`
	SessionID    string `json:"sessionId"`
	CompileError string `json:"compile_error"`
}

func (sp *serverProc) create(t *testing.T, body map[string]any) createResponse {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(sp.url+"/v1/sessions", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST /v1/sessions: %v", err)
	}
	defer resp.Body.Close()

	var res createResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return res
}

// converse attaches to a session, sends input, and reads until the server
// closes the socket. It returns the output text and the harvested files.
func (sp *serverProc) converse(t *testing.T, id string, input ...string) (string, map[string]string) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(sp.url, "http") + "/v1/sessions/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for _, in := range input {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(in)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	var out strings.Builder
	var files map[string]string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read: %v\nserver log:\n%s", err, sp.stdout.String())
			}
			return out.String(), files
		}
		var msg struct {
			Type  string            `json:"type"`
			Files map[string]string `json:"files"`
		}
		if json.Unmarshal(data, &msg) == nil && msg.Type == "files" {
			files = msg.Files
			continue
		}
		out.Write(data)
	}
}

// waitWorkspaceEmpty polls until the server has removed every workspace.
func (sp *serverProc) waitWorkspaceEmpty(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		entries, err := os.ReadDir(sp.workspace)
		if err == nil && len(entries) == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("workspace root not empty: %v (err %v)", entries, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not installed", name)
	}
}
