package engine

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each spectator.
// Chunks are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// OutputBroker fans live-run output out to spectators. It is safe for
// concurrent use.
//
// A closed session stays behind as a marker so that spectators arriving
// after the run ended get a closed channel instead of waiting forever.
// Prune drops markers older than a cutoff.
type OutputBroker struct {
	mu     sync.Mutex
	topics map[string]*outputTopic
}

type outputTopic struct {
	subs     map[int]chan string
	nextID   int
	closedAt time.Time
}

func (t *outputTopic) closed() bool {
	return !t.closedAt.IsZero()
}

// NewOutputBroker creates an empty broker.
func NewOutputBroker() *OutputBroker {
	return &OutputBroker{
		topics: make(map[string]*outputTopic),
	}
}

// Subscribe returns a channel of output chunks for a session and an
// unsubscribe function. If the session has already ended the channel is
// closed immediately.
func (b *OutputBroker) Subscribe(sessionID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(sessionID)
	ch := make(chan string, subscriberBufferSize)
	if t.closed() {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends a chunk to every subscriber of a session, dropping it for
// subscribers whose buffers are full.
func (b *OutputBroker) Publish(sessionID, chunk string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sessionID]
	if !ok || t.closed() {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- chunk:
		default:
		}
	}
}

// Close ends the stream for a session, closing every subscriber channel.
func (b *OutputBroker) Close(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(sessionID)
	if t.closed() {
		return
	}
	t.closedAt = time.Now()
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Prune forgets sessions that were closed before cutoff and returns how many
// were dropped.
func (b *OutputBroker) Prune(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for id, t := range b.topics {
		if t.closed() && t.closedAt.Before(cutoff) {
			delete(b.topics, id)
			n++
		}
	}
	return n
}

// topic returns the topic for id, creating it. Callers hold b.mu.
func (b *OutputBroker) topic(id string) *outputTopic {
	t, ok := b.topics[id]
	if !ok {
		t = &outputTopic{subs: make(map[int]chan string)}
		b.topics[id] = t
	}
	return t
}
