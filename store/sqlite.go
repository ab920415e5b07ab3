package store

import (
	"database/sql"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/xerrors"
)

const schema = `
CREATE TABLE IF NOT EXISTS torrents (
	info_hash          TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	total_size_bytes   INTEGER NOT NULL,
	discovered_at_utc  INTEGER NOT NULL,
	creation_date      INTEGER,
	comment            TEXT,
	created_by         TEXT,
	is_private         INTEGER NOT NULL DEFAULT 0,
	piece_length_bytes INTEGER NOT NULL DEFAULT 0,
	piece_count        INTEGER NOT NULL DEFAULT 0,
	file_count         INTEGER NOT NULL DEFAULT 0,
	trackers           TEXT
);
CREATE TABLE IF NOT EXISTS torrent_files (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	info_hash  TEXT NOT NULL REFERENCES torrents(info_hash),
	path       TEXT NOT NULL,
	size_bytes INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_torrent_files_hash ON torrent_files(info_hash);
CREATE TABLE IF NOT EXISTS pending_hashes (
	info_hash     TEXT PRIMARY KEY,
	queued_at_utc INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS nodes (
	ip            TEXT NOT NULL,
	port          INTEGER NOT NULL,
	last_seen_utc INTEGER NOT NULL,
	responses     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (ip, port)
);
`

// Sqlite implements Store on a single database file. WAL mode and a busy
// timeout make it safe for the fetcher's concurrent session tasks.
type Sqlite struct {
	db *sql.DB
}

var _ Store = (*Sqlite)(nil)

func OpenSqlite(path string) (*Sqlite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, xerrors.Errorf("opening sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, xerrors.Errorf("initializing schema: %w", err)
	}
	return &Sqlite{db: db}, nil
}

func (s *Sqlite) Close() error {
	return s.db.Close()
}

func (s *Sqlite) InsertTorrent(t *Torrent) error {
	tx, err := s.db.Begin()
	if err != nil {
		return xerrors.Errorf("beginning torrent insert: %w", err)
	}
	defer tx.Rollback()
	var creation interface{}
	if !t.CreationDate.IsZero() {
		creation = t.CreationDate.UTC().Unix()
	}
	_, err = tx.Exec(
		`INSERT INTO torrents (info_hash, name, total_size_bytes, discovered_at_utc,
			creation_date, comment, created_by, is_private,
			piece_length_bytes, piece_count, file_count, trackers)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.InfoHash, t.Name, t.TotalSize, t.DiscoveredAt.UTC().Unix(),
		creation, t.Comment, t.CreatedBy, boolToInt(t.Private),
		t.PieceLength, t.PieceCount, t.FileCount, strings.Join(t.Trackers, "\n"),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrExists
		}
		return xerrors.Errorf("inserting torrent row: %w", err)
	}
	for _, f := range t.Files {
		if _, err := tx.Exec(
			`INSERT INTO torrent_files (info_hash, path, size_bytes) VALUES (?, ?, ?)`,
			t.InfoHash, f.Path, f.Size,
		); err != nil {
			return xerrors.Errorf("inserting file row: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Sqlite) HasTorrent(infoHash string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM torrents WHERE info_hash = ?`, infoHash).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Sqlite) TorrentHashes() ([]string, error) {
	rows, err := s.db.Query(`SELECT info_hash FROM torrents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

func (s *Sqlite) UpsertPending(infoHash string, queuedAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO pending_hashes (info_hash, queued_at_utc) VALUES (?, ?)`,
		infoHash, queuedAt.UTC().Unix(),
	)
	return err
}

func (s *Sqlite) DeletePending(infoHash string) error {
	_, err := s.db.Exec(`DELETE FROM pending_hashes WHERE info_hash = ?`, infoHash)
	return err
}

func (s *Sqlite) PendingHashes() ([]PendingHash, error) {
	rows, err := s.db.Query(`SELECT info_hash, queued_at_utc FROM pending_hashes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pending []PendingHash
	for rows.Next() {
		var p PendingHash
		var queued int64
		if err := rows.Scan(&p.InfoHash, &queued); err != nil {
			return nil, err
		}
		p.QueuedAt = time.Unix(queued, 0).UTC()
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

func (s *Sqlite) UpsertNodes(nodes []Node) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, n := range nodes {
		if _, err := tx.Exec(
			`INSERT INTO nodes (ip, port, last_seen_utc, responses) VALUES (?, ?, ?, ?)
			ON CONFLICT (ip, port) DO UPDATE SET last_seen_utc = excluded.last_seen_utc,
				responses = excluded.responses`,
			n.IP, n.Port, n.LastSeen.UTC().Unix(), n.Responses,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Sqlite) TopNodes(n int) ([]Node, error) {
	rows, err := s.db.Query(
		`SELECT ip, port, last_seen_utc, responses FROM nodes
		ORDER BY last_seen_utc DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var nodes []Node
	for rows.Next() {
		var node Node
		var lastSeen int64
		if err := rows.Scan(&node.IP, &node.Port, &lastSeen, &node.Responses); err != nil {
			return nil, err
		}
		node.LastSeen = time.Unix(lastSeen, 0).UTC()
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func isUniqueViolation(err error) bool {
	if e, ok := err.(sqlite3.Error); ok {
		return e.Code == sqlite3.ErrConstraint
	}
	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
