// Package dhtscrape wires a Sybil DHT crawler to a swarm metadata
// fetcher through a de-duplicating hash pipeline, and persists every
// torrent the network reveals.
package dhtscrape

import (
	"context"
	"time"

	"github.com/anacrolix/log"
	humanize "github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/netsys-lab/dhtscrape/crawler"
	"github.com/netsys-lab/dhtscrape/fetcher"
	"github.com/netsys-lab/dhtscrape/metrics"
	"github.com/netsys-lab/dhtscrape/pipeline"
	"github.com/netsys-lab/dhtscrape/store"
)

// App is the composed scraper. Data flows one way: crawler -> pipeline
// -> fetcher -> store. At steady state the crawler never reads the
// store; both subsystems seed themselves from it once, at startup.
type App struct {
	conf   *Config
	logger log.Logger

	stats   *metrics.Metrics
	st      store.Store
	queue   *pipeline.Queue
	crawler *crawler.Crawler
	fetcher *fetcher.Fetcher
	wire    fetcher.Wire
}

// New builds an App on the default anacrolix/torrent peer-wire stack.
// The store stays owned by the caller and is not closed by the App.
func New(conf *Config, st store.Store) (*App, error) {
	w, err := fetcher.NewTorrentClientWire(conf.TcpListenPort, conf.DataDir, conf.Logger)
	if err != nil {
		return nil, err
	}
	a, err := NewWithWire(conf, st, w)
	if err != nil {
		w.Close()
	}
	return a, err
}

// NewWithWire builds an App on a caller-supplied peer-wire stack.
func NewWithWire(conf *Config, st store.Store, w fetcher.Wire) (*App, error) {
	m := metrics.New()
	q := pipeline.New(conf.MaxQueueSize, m)
	c, err := crawler.New(crawler.Config{
		Port:                conf.DhtPort,
		MaxQueriesPerSecond: conf.MaxQueriesPerSecond,
		MaxSeenNodes:        conf.MaxSeenNodes,
		Bootstrap:           conf.BootstrapHosts,
	}, q, m, conf.Logger)
	if err != nil {
		return nil, err
	}
	f := fetcher.New(fetcher.Config{
		MaxConcurrent: conf.MaxConcurrentFetches,
		Timeout:       conf.FetchTimeout,
	}, q, st, w, m, conf.Logger)
	return &App{
		conf:    conf,
		logger:  conf.Logger,
		stats:   m,
		st:      st,
		queue:   q,
		crawler: c,
		fetcher: f,
		wire:    w,
	}, nil
}

// Submit feeds a hash into the pipeline by hand, as if the crawler had
// sniffed it off the wire. Reports whether the pipeline accepted it.
func (a *App) Submit(infoHash string) bool {
	return a.queue.Put(infoHash)
}

// Metrics exposes the shared counter record for dashboards.
func (a *App) Metrics() *metrics.Metrics {
	return a.stats
}

// Run seeds both subsystems from the store, then drives them until the
// context is cancelled. Cancellation is a clean exit: pending sessions
// are stopped, a final warm-start save is attempted, and Run returns nil.
func (a *App) Run(ctx context.Context) error {
	if err := a.seed(); err != nil {
		a.wire.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.crawler.Run(gctx) })
	g.Go(func() error { return a.fetcher.Run(gctx) })
	g.Go(func() error { a.saveLoop(gctx); return nil })
	g.Go(func() error { a.statsLoop(gctx); return nil })
	err := g.Wait()

	a.queue.Close()
	a.saveNodes()
	a.wire.Close()
	return err
}

// seed replays persisted state: known hashes into both de-dup layers,
// the pending journal into the pipeline ahead of fresh crawler traffic,
// and warm-start nodes into the crawl queue if there are enough.
func (a *App) seed() error {
	hashes, err := a.st.TorrentHashes()
	if err != nil {
		return xerrors.Errorf("loading indexed hashes: %w", err)
	}
	a.crawler.SeedHashes(hashes)
	a.fetcher.SeedProcessed(hashes)

	pending, err := a.st.PendingHashes()
	if err != nil {
		return xerrors.Errorf("loading pending journal: %w", err)
	}
	for _, p := range pending {
		a.queue.Put(p.InfoHash)
	}
	if len(pending) > 0 {
		a.logger.Printf("replayed %d pending hashes from journal", len(pending))
	}

	nodes, err := a.st.TopNodes(a.conf.MaxNodesToSave)
	if err != nil {
		return xerrors.Errorf("loading warm-start nodes: %w", err)
	}
	if len(nodes) >= a.conf.MinNodesForWarmStart {
		a.crawler.SeedNodes(nodes)
		a.logger.Printf("warm start with %d known nodes", len(nodes))
	}
	return nil
}

func (a *App) saveLoop(ctx context.Context) {
	ticker := time.NewTicker(a.conf.NodeSavePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.saveNodes()
		}
	}
}

func (a *App) saveNodes() {
	nodes := a.crawler.ResponsiveNodes(a.conf.MaxNodesToSave)
	if len(nodes) == 0 {
		return
	}
	if err := a.st.UpsertNodes(nodes); err != nil {
		a.logger.Printf("saving warm-start nodes: %v", err)
	}
}

func (a *App) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(a.conf.StatsPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := a.stats.Snapshot()
			a.logger.Printf(
				"dht sent=%s recv=%s queue=%s | hashes=%s uniq=%s (%d/s) | fetch act=%d ok=%s to=%s err=%s (%d/s)",
				humanize.Comma(s.PacketsSent), humanize.Comma(s.PacketsReceived), humanize.Comma(s.QueueSize),
				humanize.Comma(s.HashesDiscovered), humanize.Comma(s.UniqueHashes), a.stats.HashRate.Rate(),
				s.FetchActive, humanize.Comma(s.FetchSuccesses), humanize.Comma(s.FetchTimeouts),
				humanize.Comma(s.FetchErrors), a.stats.SuccessRate.Rate(),
			)
		}
	}
}
