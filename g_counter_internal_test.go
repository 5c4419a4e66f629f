package maelstrom

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCounterFixture(t *testing.T, id string, nodeIDs ...string) (*GCounterServer, *bytes.Buffer) {
	t.Helper()
	n := NewNode()
	stdout := &bytes.Buffer{}
	n.Stdout = stdout
	require.NoError(t, n.Init(id, nodeIDs))
	return NewGCounterServer(n), stdout
}

// An empty vector is never published.
func TestGCounterServer_Publish_SkipsEmpty(t *testing.T) {
	s, stdout := newCounterFixture(t, "n1", "n1", "n2")

	s.publish()
	assert.Zero(t, stdout.Len())
}

// A non-empty vector goes to every neighbor, each send with a fresh msg_id.
func TestGCounterServer_Publish(t *testing.T) {
	s, stdout := newCounterFixture(t, "n1", "n1", "n2", "n3")
	s.counters["n1"] = 7
	s.counters["n9"] = 2

	s.publish()

	dests := make(map[string]bool)
	seenIDs := make(map[uint64]bool)
	for _, line := range strings.Split(strings.TrimSpace(stdout.String()), "\n") {
		var msg Message
		require.NoError(t, json.Unmarshal([]byte(line), &msg))
		var body SyncCounterMessageBody
		require.NoError(t, json.Unmarshal(msg.Body, &body))

		assert.Equal(t, "sync_counter", body.Type)
		assert.Equal(t, "n1", msg.Src)
		assert.Equal(t, map[string]uint64{"n1": 7, "n9": 2}, body.Messages)
		assert.Zero(t, body.InReplyTo)
		assert.False(t, seenIDs[body.MsgID], "msg_id reused")
		seenIDs[body.MsgID] = true
		dests[msg.Dest] = true
	}
	assert.Equal(t, map[string]bool{"n2": true, "n3": true}, dests)
}

// Per-source entries never decrease under any merge order.
func TestGCounterServer_Monotonic(t *testing.T) {
	s, _ := newCounterFixture(t, "n1", "n1", "n2")

	merge := func(vector map[string]uint64) {
		body, err := json.Marshal(SyncCounterMessageBody{
			MessageBody: MessageBody{Type: "sync_counter"},
			Messages:    vector,
		})
		require.NoError(t, err)
		require.NoError(t, s.handleSyncCounter(Message{Src: "n2", Dest: "n1", Body: body}))
	}

	merge(map[string]uint64{"n2": 5})
	merge(map[string]uint64{"n2": 9, "n3": 4})
	merge(map[string]uint64{"n2": 1, "n3": 2})

	assert.Equal(t, uint64(9), s.counters["n2"])
	assert.Equal(t, uint64(4), s.counters["n3"])
	assert.Equal(t, uint64(13), s.Value())
}
