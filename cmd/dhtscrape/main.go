// Crawls the mainline DHT and indexes every torrent the network reveals.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anacrolix/envpprof"
	"github.com/anacrolix/log"
	"github.com/anacrolix/tagflag"
	"golang.org/x/xerrors"

	"github.com/netsys-lab/dhtscrape"
	"github.com/netsys-lab/dhtscrape/store"
)

var flags = struct {
	DhtPort      int    `help:"UDP port for the DHT crawler"`
	TcpPort      int    `help:"TCP port for metadata exchange"`
	MaxFetches   int    `help:"max concurrent metadata sessions"`
	FetchTimeout int    `help:"per-hash metadata deadline, seconds"`
	MaxQps       int    `help:"max find_node queries per second"`
	Db           string `help:"sqlite database path, or 'memory'"`
	DataDir      string `help:"workspace directory for the peer-wire stack"`
	Quiet        bool   `help:"discard per-event logging"`
}{
	DhtPort:      6881,
	TcpPort:      55555,
	MaxFetches:   50,
	FetchTimeout: 10,
	MaxQps:       500,
	Db:           "dhtscrape.db",
	DataDir:      "dhtscrape-data",
}

func main() {
	if err := mainErr(); err != nil {
		log.Printf("error in main: %v", err)
		os.Exit(1)
	}
}

func mainErr() error {
	tagflag.Parse(&flags)
	defer envpprof.Stop()

	conf := dhtscrape.NewDefaultConfig()
	conf.DhtPort = flags.DhtPort
	conf.TcpListenPort = flags.TcpPort
	conf.MaxConcurrentFetches = flags.MaxFetches
	conf.FetchTimeout = time.Duration(flags.FetchTimeout) * time.Second
	conf.MaxQueriesPerSecond = flags.MaxQps
	conf.DataDir = flags.DataDir
	if flags.Quiet {
		conf.Logger = log.Discard
	}

	var (
		st  store.Store
		err error
	)
	if flags.Db == "memory" {
		st = store.NewMemory()
	} else {
		st, err = store.OpenSqlite(flags.Db)
		if err != nil {
			return xerrors.Errorf("opening store: %w", err)
		}
	}
	defer st.Close()

	app, err := dhtscrape.New(conf, st)
	if err != nil {
		return xerrors.Errorf("starting scraper: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		log.Printf("close signal received: %v", <-c)
		cancel()
	}()

	return app.Run(ctx)
}
