package maelstrom

import "github.com/google/uuid"

// GenerateServer implements the unique-id workload. IDs are random v4 UUIDs,
// globally unique across the cluster with overwhelming probability.
type GenerateServer struct {
	node *Node
}

// NewGenerateServer returns a unique-id workload attached to a node.
func NewGenerateServer(n *Node) *GenerateServer {
	s := &GenerateServer{node: n}
	n.Handle("generate", s.handleGenerate)
	return s
}

func (s *GenerateServer) handleGenerate(msg Message) error {
	return s.node.Reply(msg, GenerateOKMessageBody{
		MessageBody: MessageBody{Type: "generate_ok"},
		ID:          uuid.NewString(),
	})
}
