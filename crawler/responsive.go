package crawler

import (
	"net"
	"sort"
	"time"

	"github.com/anacrolix/sync"

	"github.com/netsys-lab/dhtscrape/store"
)

// responsiveSet tracks endpoints that actually answered us, with a
// response count each. Only these are worth persisting for warm start.
type responsiveSet struct {
	mu    sync.Mutex
	nodes map[string]*responder
}

type responder struct {
	ip       net.IP
	port     int
	count    int64
	lastSeen time.Time
}

func newResponsiveSet() *responsiveSet {
	return &responsiveSet{nodes: make(map[string]*responder)}
}

func (s *responsiveSet) mark(raddr *net.UDPAddr) {
	ip := raddr.IP.To4()
	if ip == nil {
		return
	}
	key := raddr.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.nodes[key]
	if !ok {
		r = &responder{ip: append(net.IP(nil), ip...), port: raddr.Port}
		s.nodes[key] = r
	}
	r.count++
	r.lastSeen = time.Now()
}

// top returns up to n responders ordered by response count, descending.
func (s *responsiveSet) top(n int) []store.Node {
	s.mu.Lock()
	all := make([]*responder, 0, len(s.nodes))
	for _, r := range s.nodes {
		all = append(all, r)
	}
	s.mu.Unlock()
	sort.Slice(all, func(i, j int) bool {
		return all[i].count > all[j].count
	})
	if len(all) > n {
		all = all[:n]
	}
	nodes := make([]store.Node, 0, len(all))
	for _, r := range all {
		nodes = append(nodes, store.Node{
			IP:        r.ip.String(),
			Port:      r.port,
			LastSeen:  r.lastSeen,
			Responses: r.count,
		})
	}
	return nodes
}
