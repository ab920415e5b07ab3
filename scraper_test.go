package dhtscrape

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsys-lab/dhtscrape/fetcher"
	"github.com/netsys-lab/dhtscrape/store"
)

// fakeWire serves canned metadata instantly, or never when ready is
// false.
type fakeWire struct {
	ready  bool
	info   fetcher.Info
	starts int64
	closes int64
}

func (w *fakeWire) Start(h metainfo.Hash) (fetcher.Session, error) {
	atomic.AddInt64(&w.starts, 1)
	return &fakeSession{ready: w.ready, info: w.info}, nil
}

func (w *fakeWire) Close() error {
	atomic.AddInt64(&w.closes, 1)
	return nil
}

type fakeSession struct {
	ready bool
	info  fetcher.Info
}

func (s *fakeSession) HasMetadata() bool { return s.ready }

func (s *fakeSession) Torrent() fetcher.Info { return s.info }

func (s *fakeSession) Stop() {}

func testConfig() *Config {
	conf := NewDefaultConfig()
	conf.DhtPort = 0
	conf.FetchTimeout = 100 * time.Millisecond
	conf.MaxConcurrentFetches = 4
	// Keep crawler traffic on the loopback and the background loops
	// quiet for the duration of a test.
	conf.BootstrapHosts = []string{"localhost"}
	conf.NodeSavePeriod = time.Hour
	conf.StatsPeriod = time.Hour
	conf.Logger = log.Discard
	return conf
}

func startApp(t *testing.T, conf *Config, st store.Store, w fetcher.Wire) (*App, context.CancelFunc, chan error) {
	app, err := NewWithWire(conf, st, w)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	return app, cancel, done
}

func stopApp(t *testing.T, cancel context.CancelFunc, done chan error) {
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("app did not shut down")
	}
}

const appTestHash = "00112233445566778899aabbccddeeff00112233"

func TestSubmitIndexesHash(t *testing.T) {
	st := store.NewMemory()
	w := &fakeWire{ready: true, info: fetcher.Info{Name: "demo", TotalSize: 1024}}
	app, cancel, done := startApp(t, testConfig(), st, w)

	require.True(t, app.Submit(appTestHash))
	assert.Eventually(t, func() bool {
		return st.GetTorrent(appTestHash) != nil
	}, 10*time.Second, 20*time.Millisecond)

	rec := st.GetTorrent(appTestHash)
	assert.Equal(t, "demo", rec.Name)
	s := app.Metrics().Snapshot()
	assert.EqualValues(t, 1, s.FetchReceived)

	stopApp(t, cancel, done)
	pending, err := st.PendingHashes()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// A hash that times out in one run must be journaled, replayed on the
// next run against the same store, and indexed there.
func TestRestartReplaysPendingJournal(t *testing.T) {
	st := store.NewMemory()

	dead := &fakeWire{ready: false}
	app, cancel, done := startApp(t, testConfig(), st, dead)
	require.True(t, app.Submit(appTestHash))
	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&app.Metrics().FetchTimeouts) >= 1
	}, 10*time.Second, 20*time.Millisecond)
	stopApp(t, cancel, done)

	pending, err := st.PendingHashes()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, appTestHash, pending[0].InfoHash)
	require.Nil(t, st.GetTorrent(appTestHash))

	// Second run: same store, a wire that answers. No Submit needed,
	// the journal replay feeds the pipeline at startup.
	live := &fakeWire{ready: true, info: fetcher.Info{Name: "recovered", TotalSize: 42}}
	_, cancel2, done2 := startApp(t, testConfig(), st, live)
	assert.Eventually(t, func() bool {
		return st.GetTorrent(appTestHash) != nil
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, "recovered", st.GetTorrent(appTestHash).Name)
	stopApp(t, cancel2, done2)

	pending, err = st.PendingHashes()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// Already-indexed hashes are seeded into the fetcher's skip set, so a
// restart never re-fetches them.
func TestRestartSkipsIndexedHashes(t *testing.T) {
	st := store.NewMemory()
	require.NoError(t, st.InsertTorrent(&store.Torrent{InfoHash: appTestHash, Name: "done"}))

	w := &fakeWire{ready: true, info: fetcher.Info{Name: "again"}}
	app, cancel, done := startApp(t, testConfig(), st, w)
	require.True(t, app.Submit(appTestHash))
	time.Sleep(500 * time.Millisecond)
	stopApp(t, cancel, done)

	assert.EqualValues(t, 0, atomic.LoadInt64(&w.starts))
	assert.Equal(t, "done", st.GetTorrent(appTestHash).Name)
}

// failingStore breaks the startup seed so Run never reaches its loops.
type failingStore struct {
	*store.Memory
}

func (s failingStore) TorrentHashes() ([]string, error) {
	return nil, errors.New("disk gone")
}

func TestRunClosesWireOnSeedFailure(t *testing.T) {
	w := &fakeWire{ready: true}
	app, err := NewWithWire(testConfig(), failingStore{store.NewMemory()}, w)
	require.NoError(t, err)

	err = app.Run(context.Background())
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt64(&w.closes))
}

func TestSubmitRejectsMalformed(t *testing.T) {
	st := store.NewMemory()
	w := &fakeWire{ready: true}
	app, cancel, done := startApp(t, testConfig(), st, w)

	assert.False(t, app.Submit("ZZZZ"))
	s := app.Metrics().Snapshot()
	assert.EqualValues(t, 1, s.FetchReceived)

	stopApp(t, cancel, done)
	assert.EqualValues(t, 0, atomic.LoadInt64(&w.starts))
	assert.EqualValues(t, 0, atomic.LoadInt64(&app.Metrics().FetchAttempts))
}
