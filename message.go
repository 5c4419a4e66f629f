package maelstrom

import (
	"encoding/json"
)

// Message represents a message sent from Src node to Dest node.
// The body is stored as unparsed JSON so the handler can parse it itself.
type Message struct {
	Src  string          `json:"src,omitempty"`
	Dest string          `json:"dest,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Type returns the "type" field from the message body.
// Returns blank string if field does not exist or body is malformed.
func (m *Message) Type() string {
	var body MessageBody
	if err := json.Unmarshal(m.Body, &body); err != nil {
		return ""
	}
	return body.Type
}

// RPCError returns the RPC error from the message body.
// Returns a malformed body as a generic crash error.
func (m *Message) RPCError() *RPCError {
	var body MessageBody
	if err := json.Unmarshal(m.Body, &body); err != nil {
		return NewRPCError(Crash, err.Error())
	} else if body.Code == 0 {
		return nil // no error
	}
	return NewRPCError(body.Code, body.Text)
}

// MessageBody represents the reserved keys for a message body.
type MessageBody struct {
	// Message type.
	Type string `json:"type,omitempty"`

	// Optional. Message identifier that is unique to the source node.
	MsgID uint64 `json:"msg_id,omitempty"`

	// Optional. For request/response, the msg_id of the request.
	InReplyTo uint64 `json:"in_reply_to,omitempty"`

	// Error code, if an error occurred.
	Code int `json:"code,omitempty"`

	// Error message, if an error occurred.
	Text string `json:"text,omitempty"`
}

// InitMessageBody represents the message body for the "init" message.
type InitMessageBody struct {
	MessageBody
	NodeID  string   `json:"node_id,omitempty"`
	NodeIDs []string `json:"node_ids,omitempty"`
}

// EchoMessageBody represents the body for "echo" and "echo_ok" messages.
// The echoed payload can be any JSON value.
type EchoMessageBody struct {
	MessageBody
	Echo any `json:"echo"`
}

// GenerateOKMessageBody represents the body for the "generate_ok" message.
type GenerateOKMessageBody struct {
	MessageBody
	ID string `json:"id"`
}

// BroadcastMessageBody represents the body for the "broadcast" message.
type BroadcastMessageBody struct {
	MessageBody
	Message uint64 `json:"message"`
}

// ReadOKMessageBody represents the body for the broadcast "read_ok" message.
// Messages is always sorted ascending.
type ReadOKMessageBody struct {
	MessageBody
	Messages []uint64 `json:"messages"`
}

// TopologyMessageBody represents the body for the "topology" message.
type TopologyMessageBody struct {
	MessageBody
	Topology map[string][]string `json:"topology"`
}

// SyncMessageBody represents the body for the "sync" gossip message. The
// sender asserts that it holds at least the listed values.
type SyncMessageBody struct {
	MessageBody
	Messages []uint64 `json:"messages"`
}

// AddMessageBody represents the body for the g-counter "add" message.
type AddMessageBody struct {
	MessageBody
	Delta uint64 `json:"delta"`
}

// CounterReadOKMessageBody represents the body for the g-counter "read_ok"
// message. Value is the sum over all known per-node contributions.
type CounterReadOKMessageBody struct {
	MessageBody
	Value uint64 `json:"value"`
}

// SyncCounterMessageBody represents the body for the "sync_counter" gossip
// message, carrying the sender's full counter vector.
type SyncCounterMessageBody struct {
	MessageBody
	Messages map[string]uint64 `json:"messages"`
}
