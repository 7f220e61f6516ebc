package logging

import (
	"container/ring"
	"sync"

	"github.com/google/uuid"
)

// DefaultBufferSize is the number of log lines kept in memory for replay.
const DefaultBufferSize = 1000

var (
	broadcaster     *Broadcaster
	broadcasterOnce sync.Once
)

// Broadcaster captures log writes, buffers recent lines, and fans them out to
// subscribers. Slow subscribers have lines dropped rather than blocking the
// log writer.
type Broadcaster struct {
	mu          sync.RWMutex
	buffer      *ring.Ring
	subscribers map[string]chan string
	closed      bool
}

// GetBroadcaster returns the process-wide broadcaster.
func GetBroadcaster() *Broadcaster {
	broadcasterOnce.Do(func() {
		broadcaster = &Broadcaster{
			buffer:      ring.New(DefaultBufferSize),
			subscribers: make(map[string]chan string),
		}
	})
	return broadcaster
}

// Write implements io.Writer for the zerolog output chain.
func (b *Broadcaster) Write(p []byte) (int, error) {
	msg := string(p)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return len(p), nil
	}

	b.buffer.Value = msg
	b.buffer = b.buffer.Next()

	for _, ch := range b.subscribers {
		select {
		case ch <- msg:
		default:
			// Subscriber is not keeping up; drop the line for them.
		}
	}
	return len(p), nil
}

// Subscribe registers a subscriber and returns its id, a line channel, and a
// snapshot of buffered history.
func (b *Broadcaster) Subscribe() (string, chan string, []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan string, 256)
	b.subscribers[id] = ch

	history := make([]string, 0, DefaultBufferSize)
	b.buffer.Do(func(v interface{}) {
		if line, ok := v.(string); ok {
			history = append(history, line)
		}
	})
	return id, ch, history
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

// Shutdown closes all subscriber channels and stops accepting writes.
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
