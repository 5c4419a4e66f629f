package maelstrom

import "encoding/json"

// EchoServer implements the echo workload: every request is answered with
// the same payload.
type EchoServer struct {
	node *Node
}

// NewEchoServer returns an echo workload attached to a node.
func NewEchoServer(n *Node) *EchoServer {
	s := &EchoServer{node: n}
	n.Handle("echo", s.handleEcho)
	return s
}

func (s *EchoServer) handleEcho(msg Message) error {
	var body EchoMessageBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return NewRPCError(MalformedBody, err.Error())
	}
	return s.node.Reply(msg, EchoMessageBody{
		MessageBody: MessageBody{Type: "echo_ok"},
		Echo:        body.Echo,
	})
}
