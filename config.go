package dhtscrape

import (
	"time"

	"github.com/anacrolix/log"

	"github.com/netsys-lab/dhtscrape/crawler"
)

// Config carries every tunable of the scraper. Override fields on the
// value returned by NewDefaultConfig rather than building one by hand.
type Config struct {
	// UDP port for the DHT crawler socket.
	DhtPort int
	// TCP port the peer-wire client listens on for metadata exchange.
	TcpListenPort int

	MaxConcurrentFetches int
	FetchTimeout         time.Duration
	MaxQueriesPerSecond  int
	MaxSeenNodes         int

	// Warm start: skip the public routers when at least this many
	// persisted responders are available.
	MinNodesForWarmStart int
	NodeSavePeriod       time.Duration
	MaxNodesToSave       int

	// Zero means the hash pipeline is unbounded; otherwise overflow is
	// dropped silently.
	MaxQueueSize int

	StatsPeriod time.Duration

	// Workspace for the peer-wire stack. No payload data is written.
	DataDir string

	BootstrapHosts []string

	Logger log.Logger
}

func NewDefaultConfig() *Config {
	return &Config{
		DhtPort:              6881,
		TcpListenPort:        55555,
		MaxConcurrentFetches: 50,
		FetchTimeout:         10 * time.Second,
		MaxQueriesPerSecond:  500,
		MaxSeenNodes:         50000,
		MinNodesForWarmStart: 50,
		NodeSavePeriod:       60 * time.Second,
		MaxNodesToSave:       100,
		StatsPeriod:          10 * time.Second,
		DataDir:              "dhtscrape-data",
		BootstrapHosts:       crawler.DefaultBootstrap,
		Logger:               log.Default,
	}
}
