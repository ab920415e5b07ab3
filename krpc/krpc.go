// Package krpc builds and classifies the KRPC messages the crawler cares
// about, per BEP 5. Only the subset a passive observer needs is modelled:
// outgoing find_node queries, incoming queries carrying an info_hash, and
// incoming responses carrying compact node info.
package krpc

import (
	"crypto/rand"

	"github.com/anacrolix/torrent/bencode"
)

// Transaction id for every outgoing query. Responses are never matched
// back to queries, so a constant is fine for a passive crawler.
const TransactionID = "aa"

const (
	MsgTypeQuery    = "q"
	MsgTypeResponse = "r"
)

// Msg is the top-level KRPC dictionary. Fields we don't classify on are
// ignored by the decoder.
type Msg struct {
	T string    `bencode:"t"`
	Y string    `bencode:"y"`
	Q string    `bencode:"q,omitempty"`
	A *MsgArgs  `bencode:"a,omitempty"`
	R *Response `bencode:"r,omitempty"`
}

// MsgArgs is the "a" dictionary of a query. InfoHash is present on
// get_peers and announce_peer, which is the traffic we harvest.
type MsgArgs struct {
	ID       string `bencode:"id"`
	Target   string `bencode:"target,omitempty"`
	InfoHash string `bencode:"info_hash,omitempty"`
}

// Response is the "r" dictionary of a response. Nodes holds raw compact
// node records, 26 bytes each.
type Response struct {
	ID    string `bencode:"id"`
	Nodes string `bencode:"nodes,omitempty"`
}

// NewFindNode returns a find_node query with a fresh random node id and
// target. Randomising our id per query is the Sybil trick: other nodes
// file us under many regions of the id space, which broadens the
// get_peers traffic sent our way.
func NewFindNode() Msg {
	return Msg{
		T: TransactionID,
		Y: MsgTypeQuery,
		Q: "find_node",
		A: &MsgArgs{
			ID:     string(RandomID()),
			Target: string(RandomID()),
		},
	}
}

// RandomID returns 20 random bytes.
func RandomID() []byte {
	b := make([]byte, 20)
	rand.Read(b)
	return b
}

func (m Msg) Encode() ([]byte, error) {
	return bencode.Marshal(m)
}

// Decode parses a datagram. A non-nil error means the packet is not
// usable and should be dropped; callers never report it.
func Decode(b []byte) (m Msg, err error) {
	err = bencode.Unmarshal(b, &m)
	return
}
