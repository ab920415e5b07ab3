// Package crawler implements the Sybil side of the scraper: a single UDP
// socket from which find_node queries with fresh random node ids are
// sprayed across the DHT, so that real nodes file our address in their
// routing tables and leak info-hashes back at us in get_peers and
// announce_peer queries. The crawler keeps no routing table and answers
// nothing; its only outputs are hashes into the pipeline and metrics.
package crawler

import (
	"context"
	"encoding/hex"
	"net"
	"sync/atomic"
	"time"

	dhtkrpc "github.com/anacrolix/dht/v2/krpc"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo"
	mapset "github.com/deckarep/golang-set"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"github.com/netsys-lab/dhtscrape/krpc"
	"github.com/netsys-lab/dhtscrape/metrics"
	"github.com/netsys-lab/dhtscrape/pipeline"
	"github.com/netsys-lab/dhtscrape/store"
)

// DefaultBootstrap are the public routers every client knows.
var DefaultBootstrap = []string{
	"router.bittorrent.com",
	"dht.transmissionbt.com",
	"router.utorrent.com",
}

const (
	bootstrapPort  = 6881
	maxDatagram    = 65536
	recvBufferSize = 1 << 20
	// Back-off before resuming sends after an empty-queue rebootstrap.
	drainWait = 5 * time.Second
)

type Config struct {
	Port                int
	MaxQueriesPerSecond int
	MaxSeenNodes        int
	Bootstrap           []string // hostnames, resolved at bootstrapPort
}

type Crawler struct {
	conf   Config
	logger log.Logger
	m      *metrics.Metrics
	out    *pipeline.Queue

	conn    *net.UDPConn
	limiter *rate.Limiter
	queue   *nodeQueue

	// Receive-loop state. seenNodes and seenHashes are written by the
	// receive task (and the startup seeders, before Run).
	seenNodes  mapset.Set
	seenHashes mapset.Set
	responsive *responsiveSet

	closed missinggo.Event
}

// New binds the UDP socket. A bind failure here is an unrecoverable
// startup error for the process.
func New(conf Config, out *pipeline.Queue, m *metrics.Metrics, logger log.Logger) (*Crawler, error) {
	if len(conf.Bootstrap) == 0 {
		conf.Bootstrap = DefaultBootstrap
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: conf.Port})
	if err != nil {
		return nil, xerrors.Errorf("binding dht socket on port %d: %w", conf.Port, err)
	}
	// Bursty receive: the whole network answers at once after a spray.
	conn.SetReadBuffer(recvBufferSize)
	return &Crawler{
		conf:       conf,
		logger:     logger,
		m:          m,
		out:        out,
		conn:       conn,
		limiter:    rate.NewLimiter(rate.Limit(conf.MaxQueriesPerSecond), 1),
		queue:      newNodeQueue(),
		seenNodes:  mapset.NewSet(),
		seenHashes: mapset.NewSet(),
		responsive: newResponsiveSet(),
	}, nil
}

// Addr returns the bound UDP address of the crawler socket.
func (c *Crawler) Addr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// SeedHashes marks already-indexed hashes as seen so they are not
// re-emitted into the pipeline. Call before Run.
func (c *Crawler) SeedHashes(hashes []string) {
	for _, h := range hashes {
		if canon, ok := pipeline.Canonicalize(h); ok {
			c.seenHashes.Add(canon)
		}
	}
}

// SeedNodes warm-starts the crawl queue from persisted responders,
// letting Run skip the public bootstrap routers. Call before Run.
func (c *Crawler) SeedNodes(nodes []store.Node) {
	for _, n := range nodes {
		ip := net.ParseIP(n.IP)
		if ip == nil || ip.To4() == nil {
			continue
		}
		c.queue.push(dhtkrpc.NodeAddr{IP: ip.To4(), Port: n.Port})
	}
}

// Run drives the send loop and, concurrently, the receive loop, until
// the context is cancelled. Cancellation is clean: Run returns nil.
func (c *Crawler) Run(ctx context.Context) error {
	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		c.receiveLoop()
	}()

	err := c.sendLoop(ctx)

	c.closed.Set()
	c.conn.Close()
	<-recvDone
	if err == context.Canceled || err == context.DeadlineExceeded {
		return nil
	}
	return err
}

func (c *Crawler) sendLoop(ctx context.Context) error {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		addr, ok := c.queue.pop()
		if !ok {
			// Drained. Hit the routers again and give responses a
			// moment to refill the queue.
			c.bootstrap(ctx)
			if c.queue.len() == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(drainWait):
				}
			}
			continue
		}
		c.send(addr)
		atomic.StoreInt64(&c.m.QueueSize, int64(c.queue.len()))
	}
}

// send fires one find_node at the endpoint. Send errors are not
// interesting: a lost packet is a lost packet.
func (c *Crawler) send(addr dhtkrpc.NodeAddr) {
	b, err := krpc.NewFindNode().Encode()
	if err != nil {
		return
	}
	c.conn.WriteToUDP(b, &net.UDPAddr{IP: addr.IP, Port: addr.Port})
	atomic.AddInt64(&c.m.PacketsSent, 1)
}

func (c *Crawler) bootstrap(ctx context.Context) {
	for _, host := range c.conf.Bootstrap {
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			c.logger.Printf("resolving bootstrap host %q: %v", host, err)
			continue
		}
		for _, a := range addrs {
			if ip := a.IP.To4(); ip != nil {
				c.queue.push(dhtkrpc.NodeAddr{IP: ip, Port: bootstrapPort})
			}
		}
	}
}

func (c *Crawler) receiveLoop() {
	buf := make([]byte, maxDatagram)
	for {
		n, raddr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if c.closed.IsSet() {
				return
			}
			continue
		}
		atomic.AddInt64(&c.m.PacketsReceived, 1)
		c.handlePacket(buf[:n], raddr)
	}
}

// handlePacket classifies one datagram. Queries addressed to us may
// carry an info_hash to harvest; responses carry fresh endpoints.
// Everything else, including undecodable input, is dropped silently.
func (c *Crawler) handlePacket(b []byte, raddr *net.UDPAddr) {
	msg, err := krpc.Decode(b)
	if err != nil {
		return
	}
	switch msg.Y {
	case krpc.MsgTypeQuery:
		if msg.A == nil || len(msg.A.InfoHash) != 20 {
			return
		}
		c.sniffHash([]byte(msg.A.InfoHash))
	case krpc.MsgTypeResponse:
		if msg.R == nil {
			return
		}
		c.harvestNodes([]byte(msg.R.Nodes))
		c.responsive.mark(raddr)
	}
}

func (c *Crawler) sniffHash(raw []byte) {
	h := hex.EncodeToString(raw)
	atomic.AddInt64(&c.m.HashesDiscovered, 1)
	c.m.HashRate.Incr(1)
	if c.seenHashes.Add(h) {
		atomic.AddInt64(&c.m.UniqueHashes, 1)
		c.out.Put(h)
	}
}

func (c *Crawler) harvestNodes(b []byte) {
	for _, addr := range krpc.ParseCompactNodes(b) {
		if addr.Port <= 0 || addr.Port > 65535 {
			continue
		}
		key := endpointKey(addr)
		if c.seenNodes.Add(key) {
			c.queue.push(addr)
			atomic.AddInt64(&c.m.NodesDiscovered, 1)
		}
		// Crude bounded-memory approximation: forget everything and let
		// the network remind us. Endpoints reappear in other responses.
		if c.seenNodes.Cardinality() > c.conf.MaxSeenNodes {
			c.seenNodes.Clear()
		}
	}
}

// ResponsiveNodes returns the current top-n responders for warm-start
// persistence.
func (c *Crawler) ResponsiveNodes(n int) []store.Node {
	return c.responsive.top(n)
}

func endpointKey(addr dhtkrpc.NodeAddr) string {
	ipp := missinggo.IpPort{IP: addr.IP, Port: uint16(addr.Port)}
	return ipp.String()
}
