package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/seantiz/kiln/internal/engine"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second
	maxMessageSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// filesMessage is the last frame of every live session.
type filesMessage struct {
	Type  string            `json:"type"`
	Files map[string]string `json:"files"`
}

// handleSessionWS upgrades to a websocket and binds it to the session until
// the session is cleaned up.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", "session_id", id, "error", err)
		return
	}

	ch := newWSChannel(conn, s.sendBuffer, s.logger.With("session_id", id))
	err = s.engine.Attach(r.Context(), id, ch)
	if err != nil && !errors.Is(err, engine.ErrSessionNotFound) {
		s.logger.Warn("live session ended with error", "session_id", id, "error", err)
	}
}

type outFrame struct {
	data []byte
	// output frames may be dropped when the queue overflows; notices
	// and the files message may not.
	output bool
}

// wsChannel is an engine.Channel over a websocket connection. A reader
// goroutine feeds client frames to Receive and a writer goroutine drains a
// bounded queue, so Send never blocks on a slow client.
type wsChannel struct {
	conn   *websocket.Conn
	logger *slog.Logger
	limit  int

	mu      sync.Mutex
	queue   []outFrame
	dropped int
	wake    chan struct{}

	inbound    chan string
	gone       chan struct{}
	goneOnce   sync.Once
	closing    chan struct{}
	closeOnce  sync.Once
	writerDone chan struct{}
}

var _ engine.Channel = (*wsChannel)(nil)

func newWSChannel(conn *websocket.Conn, limit int, logger *slog.Logger) *wsChannel {
	c := &wsChannel{
		conn:       conn,
		logger:     logger,
		limit:      limit,
		wake:       make(chan struct{}, 1),
		inbound:    make(chan string),
		gone:       make(chan struct{}),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *wsChannel) Send(text string) error {
	return c.enqueue(outFrame{data: []byte(text), output: true})
}

func (c *wsChannel) SendFiles(files map[string]string) error {
	data, err := json.Marshal(filesMessage{Type: "files", Files: files})
	if err != nil {
		return fmt.Errorf("encode files message: %w", err)
	}
	return c.enqueue(outFrame{data: data})
}

func (c *wsChannel) Receive(timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-c.inbound:
		return msg, nil
	case <-c.gone:
		return "", engine.ErrChannelClosed
	case <-c.closing:
		return "", engine.ErrChannelClosed
	case <-timer.C:
		return "", engine.ErrReceiveTimeout
	}
}

// Close flushes the queue, sends a normal close frame and waits for the
// writer to finish.
func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	<-c.writerDone
	return nil
}

func (c *wsChannel) enqueue(f outFrame) error {
	select {
	case <-c.closing:
		return engine.ErrChannelClosed
	case <-c.gone:
		return engine.ErrChannelClosed
	default:
	}

	c.mu.Lock()
	if len(c.queue) >= c.limit {
		if i := slices.IndexFunc(c.queue, func(q outFrame) bool { return q.output }); i >= 0 {
			c.queue = slices.Delete(c.queue, i, i+1)
			c.dropped++
		}
	}
	c.queue = append(c.queue, f)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *wsChannel) markGone() {
	c.goneOnce.Do(func() { close(c.gone) })
}

func (c *wsChannel) readLoop() {
	defer c.markGone()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("ws read error", "error", err)
			}
			return
		}
		select {
		case c.inbound <- string(data):
		case <-c.closing:
			return
		}
	}
}

func (c *wsChannel) writeLoop() {
	defer close(c.writerDone)
	defer c.conn.Close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.wake:
			if err := c.flush(); err != nil {
				c.logger.Debug("ws write error", "error", err)
				c.markGone()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.markGone()
				return
			}
		case <-c.gone:
			return
		case <-c.closing:
			if err := c.flush(); err != nil {
				c.logger.Debug("ws write error", "error", err)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if n := c.droppedCount(); n > 0 {
				c.logger.Info("output frames dropped for slow client", "dropped", n)
			}
			return
		}
	}
}

// flush writes every queued frame in order.
func (c *wsChannel) flush() error {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return nil
		}
		f := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
			return err
		}
	}
}

func (c *wsChannel) droppedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}
