// Package metrics is the process-wide counter record shared by the
// crawler and the fetcher. There is no ambient global: a *Metrics is
// handed to each component at construction, and the dashboard (or the
// stats log line) reads the same instance.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/anacrolix/sync"
	"github.com/paulbellamy/ratecounter"
)

// RecentNamesCap bounds the recent-names ring.
const RecentNamesCap = 50

// Metrics fields are int64s mutated with sync/atomic. They are first in
// the struct to ensure 64-bit alignment of fields on 32-bit platforms.
type Metrics struct {
	// Crawler.
	PacketsSent      int64
	PacketsReceived  int64
	QueueSize        int64
	NodesDiscovered  int64
	HashesDiscovered int64
	UniqueHashes     int64

	// Fetcher.
	FetchReceived  int64
	FetchAttempts  int64
	FetchSuccesses int64
	FetchTimeouts  int64
	FetchErrors    int64
	FetchActive    int64

	// Per-second rates, for display only.
	HashRate    *ratecounter.RateCounter
	SuccessRate *ratecounter.RateCounter

	mu     sync.Mutex
	recent []string // ring of last successful names, newest last
}

func New() *Metrics {
	return &Metrics{
		HashRate:    ratecounter.NewRateCounter(time.Second),
		SuccessRate: ratecounter.NewRateCounter(time.Second),
	}
}

// PushName records the display name of a successfully indexed torrent.
// The oldest entry is dropped once the ring is full.
func (m *Metrics) PushName(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = append(m.recent, name)
	if len(m.recent) > RecentNamesCap {
		m.recent = m.recent[len(m.recent)-RecentNamesCap:]
	}
}

// RecentNames returns a copy of the ring, newest last.
func (m *Metrics) RecentNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.recent...)
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	PacketsSent      int64
	PacketsReceived  int64
	QueueSize        int64
	NodesDiscovered  int64
	HashesDiscovered int64
	UniqueHashes     int64
	FetchReceived    int64
	FetchAttempts    int64
	FetchSuccesses   int64
	FetchTimeouts    int64
	FetchErrors      int64
	FetchActive      int64
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		PacketsSent:      atomic.LoadInt64(&m.PacketsSent),
		PacketsReceived:  atomic.LoadInt64(&m.PacketsReceived),
		QueueSize:        atomic.LoadInt64(&m.QueueSize),
		NodesDiscovered:  atomic.LoadInt64(&m.NodesDiscovered),
		HashesDiscovered: atomic.LoadInt64(&m.HashesDiscovered),
		UniqueHashes:     atomic.LoadInt64(&m.UniqueHashes),
		FetchReceived:    atomic.LoadInt64(&m.FetchReceived),
		FetchAttempts:    atomic.LoadInt64(&m.FetchAttempts),
		FetchSuccesses:   atomic.LoadInt64(&m.FetchSuccesses),
		FetchTimeouts:    atomic.LoadInt64(&m.FetchTimeouts),
		FetchErrors:      atomic.LoadInt64(&m.FetchErrors),
		FetchActive:      atomic.LoadInt64(&m.FetchActive),
	}
}
