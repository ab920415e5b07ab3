// Package pipeline couples the crawler to the fetcher: a FIFO of hex
// info-hashes that is safe for many writers (the crawler's receive loop
// plus the startup journal replay) and many readers. Backpressure is by
// silent discard, never by stalling a writer; stalling the crawler would
// starve discovery.
package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/anacrolix/missinggo"
	"github.com/anacrolix/sync"

	"github.com/netsys-lab/dhtscrape/metrics"
)

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("pipeline closed")

// HexHashLen is the canonical textual length of an info-hash.
const HexHashLen = 40

// Queue is the hash pipeline. The zero value is not usable; use New.
type Queue struct {
	maxSize int // 0 means unbounded

	mu    sync.Mutex
	items []string

	// Doorbell for readers. One token per wakeup; a reader that leaves
	// items behind rings it again.
	ready chan struct{}

	closed missinggo.Event
	m      *metrics.Metrics
}

func New(maxSize int, m *metrics.Metrics) *Queue {
	return &Queue{
		maxSize: maxSize,
		ready:   make(chan struct{}, 1),
		m:       m,
	}
}

// Canonicalize lowercases a hash and reports whether it is 40 hex
// characters. This is the only seam through which hashes are admitted.
func Canonicalize(h string) (string, bool) {
	if len(h) != HexHashLen {
		return "", false
	}
	h = strings.ToLower(h)
	if _, err := hex.DecodeString(h); err != nil {
		return "", false
	}
	return h, true
}

// Put offers a hash to the fetcher, fire and forget. Every offer counts
// toward fetcher.received; anything that is not a 40-hex string, arrives
// after close, or exceeds a configured bound is dropped silently.
func (q *Queue) Put(h string) bool {
	atomic.AddInt64(&q.m.FetchReceived, 1)
	h, ok := Canonicalize(h)
	if !ok || q.closed.IsSet() {
		return false
	}
	q.mu.Lock()
	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, h)
	q.mu.Unlock()
	q.ring()
	return true
}

// Get blocks until a hash is available, the context is cancelled, or the
// queue is closed.
func (q *Queue) Get(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			h := q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.ring()
			}
			return h, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.closed.C():
			return "", ErrClosed
		case <-q.ready:
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close makes all pending and future Gets fail and future Puts drop.
func (q *Queue) Close() {
	q.closed.Set()
}

func (q *Queue) ring() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
