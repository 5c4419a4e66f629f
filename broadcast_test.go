package maelstrom_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	maelstrom "github.com/gossip-glomers/maelstrom-node"
)

// Ensure broadcast values are saved and read back sorted.
func TestBroadcast_ReadAfterBroadcast(t *testing.T) {
	n := maelstrom.NewNode()
	maelstrom.NewBroadcastServer(n)

	out := runNode(t, n, initLine,
		`{"src":"c2","dest":"n1","body":{"type":"broadcast","msg_id":42,"message":1000}}`,
		`{"src":"c3","dest":"n1","body":{"type":"broadcast","msg_id":43,"message":9001}}`,
		`{"src":"c2","dest":"n1","body":{"type":"read","msg_id":44}}`)

	require.Len(t, out, 4)
	assert.Equal(t, "broadcast_ok", out[1].bodyType())
	assert.Equal(t, "broadcast_ok", out[2].bodyType())
	assert.Equal(t, "read_ok", out[3].bodyType())
	assert.Equal(t, []any{1000.0, 9001.0}, out[3].Body["messages"])
	assert.Equal(t, uint64(44), out[3].inReplyTo())
}

// Ensure an inbound sync merges into saved messages without a reply.
func TestBroadcast_SyncMerge(t *testing.T) {
	n := maelstrom.NewNode()
	maelstrom.NewBroadcastServer(n)

	out := runNode(t, n, initLine,
		`{"src":"c2","dest":"n1","body":{"type":"broadcast","msg_id":42,"message":1000}}`,
		`{"src":"c3","dest":"n1","body":{"type":"broadcast","msg_id":43,"message":9001}}`,
		`{"src":"c2","dest":"n1","body":{"type":"sync","messages":[1]}}`,
		`{"src":"c2","dest":"n1","body":{"type":"read","msg_id":44}}`)

	// sync is fire-and-forget: 4 inputs after init, 3 replies.
	require.Len(t, out, 4)
	assert.Equal(t, "read_ok", out[3].bodyType())
	assert.Equal(t, []any{1.0, 1000.0, 9001.0}, out[3].Body["messages"])
}

// Ensure an empty read returns an empty array, not null.
func TestBroadcast_ReadEmpty(t *testing.T) {
	n := maelstrom.NewNode()
	maelstrom.NewBroadcastServer(n)

	out := runNode(t, n, initLine,
		`{"src":"c2","dest":"n1","body":{"type":"read","msg_id":5}}`)
	require.Len(t, out, 2)
	messages, ok := out[1].Body["messages"].([]any)
	require.True(t, ok, "messages must be an array")
	assert.Empty(t, messages)
}

// Ensure the harness-proposed topology replaces the neighbor set.
func TestBroadcast_Topology(t *testing.T) {
	n := maelstrom.NewNode()
	maelstrom.NewBroadcastServer(n)

	out := runNode(t, n,
		`{"src":"c1","dest":"n1","body":{"type":"init","msg_id":1,"node_id":"n1","node_ids":["n1","n2","n3"]}}`,
		`{"src":"c1","dest":"n1","body":{"type":"topology","msg_id":2,"topology":{"n1":["n2","n3"],"n2":["n1"],"n3":["n1"]}}}`)

	require.Len(t, out, 2)
	assert.Equal(t, "topology_ok", out[1].bodyType())
	assert.Equal(t, []string{"n2", "n3"}, n.Neighbors())
}

// Ensure a topology without an entry for this node leaves neighbors alone.
func TestBroadcast_TopologyMissingSelf(t *testing.T) {
	n := maelstrom.NewNode()
	maelstrom.NewBroadcastServer(n)

	out := runNode(t, n,
		`{"src":"c1","dest":"n1","body":{"type":"init","msg_id":1,"node_id":"n1","node_ids":["n1","n2","n3"]}}`,
		`{"src":"c1","dest":"n1","body":{"type":"topology","msg_id":2,"topology":{"n2":["n1"]}}}`)

	require.Len(t, out, 2)
	assert.Equal(t, "topology_ok", out[1].bodyType())
	assert.Equal(t, []string{"n2", "n3"}, n.Neighbors())
}
