package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
)

// handleStreamOutput lets a spectator follow a session's output as SSE. The
// stream ends with a "done" event once the session is cleaned up.
func (s *Server) handleStreamOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := s.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("get session for output", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if model.IsTerminal(sess.Status) {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", "stream complete")
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribe on a session that finished after the status check returns a
	// closed channel, so the loop below still terminates.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEData(w, chunk); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// outputHistoryChunk is a single chunk in the history response.
type outputHistoryChunk struct {
	Seq       int    `json:"seq"`
	Chunk     string `json:"chunk"`
	CreatedAt string `json:"created_at"`
}

// outputHistoryResponse is the JSON response for GET /v1/sessions/{id}/output/history.
type outputHistoryResponse struct {
	SessionID string               `json:"session_id"`
	Chunks    []outputHistoryChunk `json:"chunks"`
}

func (s *Server) handleGetOutputHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	_, err := s.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("get session for output history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	stored, err := s.store.GetOutputChunks(r.Context(), id)
	if err != nil {
		s.logger.Error("get output chunks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get output")
		return
	}

	chunks := make([]outputHistoryChunk, len(stored))
	for i, c := range stored {
		chunks[i] = outputHistoryChunk{
			Seq:       c.Seq,
			Chunk:     c.Chunk,
			CreatedAt: c.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, outputHistoryResponse{
		SessionID: id,
		Chunks:    chunks,
	})
}

// writeSSEData writes an output chunk as one SSE data event. Each line of a
// multi-line chunk gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, chunk string) error {
	for seg := range strings.SplitSeq(chunk, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
