package krpc

import (
	"encoding/binary"
	"net"

	dhtkrpc "github.com/anacrolix/dht/v2/krpc"
)

// CompactNodeLen is the wire size of one node record:
// 20 byte node id, 4 byte IPv4, 2 byte big-endian port.
const CompactNodeLen = 26

// ParseCompactNodes parses the "nodes" value of a find_node response.
// Only whole records are taken; a trailing partial record is discarded.
// The node ids are not kept, the crawler only wants endpoints.
func ParseCompactNodes(b []byte) []dhtkrpc.NodeAddr {
	n := len(b) / CompactNodeLen
	if n == 0 {
		return nil
	}
	addrs := make([]dhtkrpc.NodeAddr, 0, n)
	for i := 0; i < n; i++ {
		rec := b[i*CompactNodeLen : (i+1)*CompactNodeLen]
		addrs = append(addrs, dhtkrpc.NodeAddr{
			IP:   net.IP(append([]byte(nil), rec[20:24]...)),
			Port: int(binary.BigEndian.Uint16(rec[24:26])),
		})
	}
	return addrs
}
