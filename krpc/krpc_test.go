package krpc

import (
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindNodeRoundTrip(t *testing.T) {
	m := NewFindNode()
	b, err := m.Encode()
	require.NoError(t, err)

	d, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, TransactionID, d.T)
	assert.Equal(t, MsgTypeQuery, d.Y)
	assert.Equal(t, "find_node", d.Q)
	require.NotNil(t, d.A)
	assert.Len(t, d.A.ID, 20)
	assert.Len(t, d.A.Target, 20)
}

func TestFindNodeIdsAreFresh(t *testing.T) {
	a := NewFindNode()
	b := NewFindNode()
	assert.NotEqual(t, a.A.ID, b.A.ID)
	assert.NotEqual(t, a.A.Target, b.A.Target)
}

func TestBencodeRoundTrip(t *testing.T) {
	in := map[string]interface{}{
		"int":    int64(42),
		"str":    "raw\x00bytes",
		"list":   []interface{}{"a", int64(-7)},
		"nested": map[string]interface{}{"k": "v"},
	}
	b, err := bencode.Marshal(in)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, bencode.Unmarshal(b, &out))
	assert.EqualValues(t, in, out)
}

func TestDecodeMalformed(t *testing.T) {
	for _, b := range [][]byte{
		nil,
		[]byte("garbage"),
		[]byte("d1:t2:aa"), // truncated dict
		[]byte("i42e"),     // not a dict
	} {
		_, err := Decode(b)
		assert.Error(t, err, "input %q", b)
	}
}

func TestDecodeMissingYIsNotClassified(t *testing.T) {
	b, err := bencode.Marshal(map[string]interface{}{"t": "aa"})
	require.NoError(t, err)
	m, err := Decode(b)
	require.NoError(t, err)
	assert.Empty(t, m.Y)
}

func compactRecord(ip [4]byte, port uint16) []byte {
	rec := make([]byte, CompactNodeLen)
	copy(rec[:20], RandomID())
	copy(rec[20:24], ip[:])
	rec[24] = byte(port >> 8)
	rec[25] = byte(port)
	return rec
}

func TestParseCompactNodes(t *testing.T) {
	var buf []byte
	buf = append(buf, compactRecord([4]byte{1, 2, 3, 4}, 6881)...)
	buf = append(buf, compactRecord([4]byte{5, 6, 7, 8}, 51413)...)

	addrs := ParseCompactNodes(buf)
	require.Len(t, addrs, 2)
	assert.Equal(t, "1.2.3.4", addrs[0].IP.String())
	assert.Equal(t, 6881, addrs[0].Port)
	assert.Equal(t, "5.6.7.8", addrs[1].IP.String())
	assert.Equal(t, 51413, addrs[1].Port)
}

func TestParseCompactNodesDiscardsTail(t *testing.T) {
	buf := compactRecord([4]byte{9, 9, 9, 9}, 80)
	buf = append(buf, 0xde, 0xad, 0xbe) // partial trailing record

	addrs := ParseCompactNodes(buf)
	require.Len(t, addrs, 1)
	assert.Equal(t, "9.9.9.9", addrs[0].IP.String())

	assert.Empty(t, ParseCompactNodes(nil))
	assert.Empty(t, ParseCompactNodes(buf[:25]))
}
