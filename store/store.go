// Package store is the persistence surface the scraper core writes to.
// Implementations must support concurrent readers and writers with at
// least read-committed semantics.
package store

import (
	"errors"
	"time"

	"github.com/anacrolix/torrent/metainfo"
)

// ErrExists is returned by InsertTorrent when the unique index on the
// info-hash rejects the row. Callers treat it as success by race.
var ErrExists = errors.New("torrent already indexed")

// Torrent is the write-once record produced by a successful metadata
// fetch. InfoHash is the 40-hex lowercase key.
type Torrent struct {
	InfoHash     string
	Name         string
	TotalSize    int64
	DiscoveredAt time.Time
	CreationDate time.Time // zero when the swarm didn't reveal one
	Comment      string
	CreatedBy    string
	Private      bool
	PieceLength  int64
	PieceCount   int64
	FileCount    int64
	Trackers     []string
	Files        []File
}

// MagnetURI renders the record as a magnet link with display name and
// any known trackers.
func (t *Torrent) MagnetURI() string {
	m := metainfo.Magnet{
		InfoHash:    metainfo.NewHashFromHex(t.InfoHash),
		DisplayName: t.Name,
		Trackers:    t.Trackers,
	}
	return m.String()
}

// File is one (path, size) child of a torrent.
type File struct {
	Path string
	Size int64
}

// PendingHash journals a hash that entered the fetcher's work set. A
// timed-out fetch leaves the row in place so a later run retries it.
type PendingHash struct {
	InfoHash string
	QueuedAt time.Time
}

// Node is a warm-start endpoint. Only responders are recorded: the crawl
// queue is dominated by unreachable nodes, and persisting those would
// poison the warm start.
type Node struct {
	IP        string
	Port      int
	LastSeen  time.Time
	Responses int64
}

type Store interface {
	// InsertTorrent writes the parent row and all file children in one
	// transaction. Returns ErrExists if the hash is already indexed.
	InsertTorrent(t *Torrent) error
	HasTorrent(infoHash string) (bool, error)
	// TorrentHashes returns every indexed info-hash, for seeding the
	// seen/processed sets on startup.
	TorrentHashes() ([]string, error)

	UpsertPending(infoHash string, queuedAt time.Time) error
	DeletePending(infoHash string) error
	PendingHashes() ([]PendingHash, error)

	UpsertNodes(nodes []Node) error
	// TopNodes returns up to n nodes, most recently seen first.
	TopNodes(n int) ([]Node, error)

	Close() error
}
