package store

import (
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/anacrolix/sync"
)

// Memory keeps everything in maps behind one mutex. Useful for tests and
// for throwaway runs where indexing output is not wanted.
type Memory struct {
	mu       sync.Mutex
	torrents map[string]*Torrent
	pending  map[string]time.Time
	nodes    map[string]Node // keyed by ip:port
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		torrents: make(map[string]*Torrent),
		pending:  make(map[string]time.Time),
		nodes:    make(map[string]Node),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) InsertTorrent(t *Torrent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.torrents[t.InfoHash]; ok {
		return ErrExists
	}
	cp := *t
	cp.Files = append([]File(nil), t.Files...)
	cp.Trackers = append([]string(nil), t.Trackers...)
	m.torrents[t.InfoHash] = &cp
	return nil
}

func (m *Memory) HasTorrent(infoHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.torrents[infoHash]
	return ok, nil
}

// GetTorrent is a test convenience not part of the Store surface.
func (m *Memory) GetTorrent(infoHash string) *Torrent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.torrents[infoHash]
}

func (m *Memory) TorrentHashes() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hashes := make([]string, 0, len(m.torrents))
	for h := range m.torrents {
		hashes = append(hashes, h)
	}
	return hashes, nil
}

func (m *Memory) UpsertPending(infoHash string, queuedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[infoHash]; !ok {
		m.pending[infoHash] = queuedAt
	}
	return nil
}

func (m *Memory) DeletePending(infoHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, infoHash)
	return nil
}

func (m *Memory) PendingHashes() ([]PendingHash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := make([]PendingHash, 0, len(m.pending))
	for h, at := range m.pending {
		pending = append(pending, PendingHash{InfoHash: h, QueuedAt: at})
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].QueuedAt.Before(pending[j].QueuedAt)
	})
	return pending, nil
}

func (m *Memory) UpsertNodes(nodes []Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range nodes {
		m.nodes[nodeKey(n)] = n
	}
	return nil
}

func (m *Memory) TopNodes(n int) ([]Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodes := make([]Node, 0, len(m.nodes))
	for _, node := range m.nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].LastSeen.After(nodes[j].LastSeen)
	})
	if len(nodes) > n {
		nodes = nodes[:n]
	}
	return nodes, nil
}

func nodeKey(n Node) string {
	return net.JoinHostPort(n.IP, strconv.Itoa(n.Port))
}
