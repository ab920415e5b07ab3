package crawler

import (
	dhtkrpc "github.com/anacrolix/dht/v2/krpc"
	"github.com/anacrolix/sync"
)

// nodeQueue is the crawl FIFO. Insertion order is exploration order;
// there is no priority. Fed by the receive loop and bootstrap, drained
// by the send loop.
type nodeQueue struct {
	mu    sync.Mutex
	addrs []dhtkrpc.NodeAddr
}

func newNodeQueue() *nodeQueue {
	return &nodeQueue{}
}

func (q *nodeQueue) push(addr dhtkrpc.NodeAddr) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.addrs = append(q.addrs, addr)
}

func (q *nodeQueue) pop() (addr dhtkrpc.NodeAddr, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.addrs) == 0 {
		return
	}
	addr = q.addrs[0]
	q.addrs = q.addrs[1:]
	return addr, true
}

func (q *nodeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.addrs)
}
