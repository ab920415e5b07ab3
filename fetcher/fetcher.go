// Package fetcher drains the hash pipeline and turns hashes into
// indexed torrent records by joining each swarm over the peer wire and
// waiting for the metadata extension to assemble the info dictionary.
package fetcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"
	mapset "github.com/deckarep/golang-set"
	humanize "github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"

	"github.com/netsys-lab/dhtscrape/metrics"
	"github.com/netsys-lab/dhtscrape/pipeline"
	"github.com/netsys-lab/dhtscrape/store"
)

const defaultPollInterval = 500 * time.Millisecond

type Config struct {
	MaxConcurrent int
	Timeout       time.Duration
}

type Fetcher struct {
	conf   Config
	logger log.Logger
	m      *metrics.Metrics
	in     *pipeline.Queue
	st     store.Store
	wire   Wire

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	// Hashes ever dispatched in this process. Second de-dup layer behind
	// the crawler's seen set; catches journal replays and restarts.
	processed mapset.Set

	// Poll cadence for HasMetadata. Tests shorten it.
	pollInterval time.Duration
}

func New(conf Config, in *pipeline.Queue, st store.Store, wire Wire, m *metrics.Metrics, logger log.Logger) *Fetcher {
	return &Fetcher{
		conf:         conf,
		logger:       logger,
		m:            m,
		in:           in,
		st:           st,
		wire:         wire,
		sem:          semaphore.NewWeighted(int64(conf.MaxConcurrent)),
		processed:    mapset.NewSet(),
		pollInterval: defaultPollInterval,
	}
}

// SeedProcessed marks already-indexed hashes so they are skipped without
// a store round trip. Call before Run.
func (f *Fetcher) SeedProcessed(hashes []string) {
	for _, h := range hashes {
		if canon, ok := pipeline.Canonicalize(h); ok {
			f.processed.Add(canon)
		}
	}
}

// Run dispatches pipeline hashes to session tasks until the context is
// cancelled or the pipeline closes, then waits for in-flight sessions.
func (f *Fetcher) Run(ctx context.Context) error {
	defer f.wg.Wait()
	for {
		h, err := f.in.Get(ctx)
		if err != nil {
			if err == pipeline.ErrClosed || err == context.Canceled || err == context.DeadlineExceeded {
				return nil
			}
			return err
		}
		if !f.processed.Add(h) {
			continue
		}
		if err := f.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		f.wg.Add(1)
		go func(h string) {
			defer f.wg.Done()
			defer f.sem.Release(1)
			f.fetch(ctx, h)
		}(h)
	}
}

// fetch runs one metadata session to a terminal disposition. The pending
// journal row is deleted only on success or permanent rejection; a
// timeout or error leaves it for a later run.
func (f *Fetcher) fetch(ctx context.Context, h string) {
	if _, ok := pipeline.Canonicalize(h); !ok {
		// The pipeline seam already rejects these; guard anyway so a bad
		// journal row can never panic the hex parse below. Permanent.
		f.st.DeletePending(h)
		return
	}
	if ok, err := f.st.HasTorrent(h); err == nil && ok {
		// Already indexed, maybe by a previous run. Permanent.
		f.st.DeletePending(h)
		return
	}
	if err := f.st.UpsertPending(h, time.Now()); err != nil {
		f.logger.Printf("journaling pending hash %s: %v", h, err)
	}

	// Counted before Start so a session fault still shows up as an
	// attempt; successes+timeouts+errors never exceeds attempts.
	atomic.AddInt64(&f.m.FetchAttempts, 1)
	session, err := f.wire.Start(metainfo.NewHashFromHex(h))
	if err != nil {
		if ctx.Err() == nil {
			atomic.AddInt64(&f.m.FetchErrors, 1)
		}
		return
	}
	defer session.Stop()

	atomic.AddInt64(&f.m.FetchActive, 1)
	defer atomic.AddInt64(&f.m.FetchActive, -1)

	// Wall-clock deadline rather than a scheduler deadline, so clock
	// jitter in the poll timer cannot shorten the window.
	deadline := time.Now().Add(f.conf.Timeout)
	for !session.HasMetadata() {
		if time.Now().After(deadline) {
			atomic.AddInt64(&f.m.FetchTimeouts, 1)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.pollInterval):
		}
	}

	f.persist(h, session.Torrent())
}

func (f *Fetcher) persist(h string, info Info) {
	rec := &store.Torrent{
		InfoHash:     h,
		Name:         info.Name,
		TotalSize:    info.TotalSize,
		DiscoveredAt: time.Now().UTC(),
		CreationDate: info.CreationDate,
		Comment:      info.Comment,
		CreatedBy:    info.CreatedBy,
		Private:      info.Private,
		PieceLength:  info.PieceLength,
		Trackers:     info.Trackers,
	}
	if info.PieceLength > 0 {
		rec.PieceCount = (info.TotalSize + info.PieceLength - 1) / info.PieceLength
	}
	for _, fe := range info.Files {
		rec.Files = append(rec.Files, store.File{Path: fe.Path, Size: fe.Size})
	}
	rec.FileCount = int64(len(rec.Files))

	switch err := f.st.InsertTorrent(rec); err {
	case nil:
		f.st.DeletePending(h)
		atomic.AddInt64(&f.m.FetchSuccesses, 1)
		f.m.SuccessRate.Incr(1)
		f.m.PushName(rec.Name)
		f.logger.Printf("indexed %q (%s, %d files) %s", rec.Name, humanize.Bytes(uint64(rec.TotalSize)), rec.FileCount, rec.MagnetURI())
	case store.ErrExists:
		// Lost the insert race to another worker. Not an error.
		f.st.DeletePending(h)
	default:
		atomic.AddInt64(&f.m.FetchErrors, 1)
		f.logger.Printf("persisting %s: %v", h, err)
	}
}
