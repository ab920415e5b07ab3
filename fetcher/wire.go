package fetcher

import (
	"strings"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"golang.org/x/xerrors"
)

// Wire is the peer-wire capability the fetcher needs: start a session
// for an info-hash, poll it for metadata, read the torrent view, stop.
// Any stack offering this surface will do.
type Wire interface {
	Start(h metainfo.Hash) (Session, error)
	Close() error
}

// Session is one in-flight metadata exchange. Torrent may only be
// called once HasMetadata has returned true; once true it stays true
// until Stop. Stop is idempotent and must be called on every exit path.
type Session interface {
	HasMetadata() bool
	Torrent() Info
	Stop()
}

// Info is the read-only torrent view assembled from the swarm.
type Info struct {
	Name         string
	TotalSize    int64
	CreationDate time.Time // zero when not revealed
	Comment      string
	CreatedBy    string
	Private      bool
	PieceLength  int64
	Trackers     []string
	Files        []FileEntry
}

type FileEntry struct {
	Path string
	Size int64
}

// TorrentClientWire adapts an anacrolix/torrent client. The client runs
// with trackers, PEX and its internal DHT disabled: the crawler owns
// discovery, and the save path is only a workspace for the extension
// protocol, no payload is ever downloaded.
type TorrentClientWire struct {
	cl *torrent.Client
}

var _ Wire = (*TorrentClientWire)(nil)

func NewTorrentClientWire(listenPort int, dataDir string, logger log.Logger) (*TorrentClientWire, error) {
	conf := torrent.NewDefaultClientConfig()
	conf.ListenPort = listenPort
	conf.DataDir = dataDir
	conf.NoDHT = true
	conf.DisableTrackers = true
	conf.DisablePEX = true
	conf.Seed = false
	conf.Logger = logger
	cl, err := torrent.NewClient(conf)
	if err != nil {
		return nil, xerrors.Errorf("creating peer-wire client: %w", err)
	}
	return &TorrentClientWire{cl: cl}, nil
}

func (w *TorrentClientWire) Start(h metainfo.Hash) (Session, error) {
	t, _ := w.cl.AddTorrentInfoHash(h)
	return &clientSession{t: t}, nil
}

func (w *TorrentClientWire) Close() error {
	w.cl.Close()
	return nil
}

type clientSession struct {
	t *torrent.Torrent
}

func (s *clientSession) HasMetadata() bool {
	return s.t.Info() != nil
}

func (s *clientSession) Torrent() Info {
	info := s.t.Info()
	mi := s.t.Metainfo()
	out := Info{
		Name:        info.Name,
		TotalSize:   info.TotalLength(),
		Comment:     mi.Comment,
		CreatedBy:   mi.CreatedBy,
		PieceLength: info.PieceLength,
	}
	if mi.CreationDate != 0 {
		out.CreationDate = time.Unix(mi.CreationDate, 0).UTC()
	}
	if info.Private != nil {
		out.Private = *info.Private
	}
	for _, tier := range mi.AnnounceList {
		for _, tr := range tier {
			out.Trackers = append(out.Trackers, tr)
		}
	}
	for _, fi := range info.UpvertedFiles() {
		path := strings.Join(fi.Path, "/")
		if path == "" {
			path = info.Name
		}
		out.Files = append(out.Files, FileEntry{Path: path, Size: fi.Length})
	}
	return out
}

func (s *clientSession) Stop() {
	s.t.Drop()
}
