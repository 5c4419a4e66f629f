package maelstrom

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
)

// counterSyncInterval is the cadence of the counter-vector publish loop.
const counterSyncInterval = time.Second

// GCounterServer implements the grow-only counter workload. Each node owns
// one entry of the counter vector and only ever grows it; the cluster-wide
// value is the sum of all entries. Vectors converge under a per-key max
// merge, which keeps every observed entry monotonic even when gossip is
// reordered.
type GCounterServer struct {
	node *Node

	mu       sync.RWMutex
	counters map[string]uint64
}

// NewGCounterServer returns a g-counter workload attached to a node. It
// registers the add, read and sync_counter handlers and the background
// publish loop.
func NewGCounterServer(n *Node) *GCounterServer {
	s := &GCounterServer{
		node:     n,
		counters: make(map[string]uint64),
	}
	n.Handle("add", s.handleAdd)
	n.Handle("read", s.handleRead)
	n.Handle("sync_counter", s.handleSyncCounter)
	n.Background(s.publishLoop)
	return s
}

func (s *GCounterServer) handleAdd(msg Message) error {
	var body AddMessageBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return NewRPCError(MalformedBody, err.Error())
	}
	if body.Delta > 0 {
		id := s.node.ID()
		s.mu.Lock()
		s.counters[id] += body.Delta
		s.mu.Unlock()
	}
	return s.node.Reply(msg, MessageBody{Type: "add_ok"})
}

func (s *GCounterServer) handleRead(msg Message) error {
	return s.node.Reply(msg, CounterReadOKMessageBody{
		MessageBody: MessageBody{Type: "read_ok"},
		Value:       s.Value(),
	})
}

// handleSyncCounter merges a peer's counter vector. Non-self entries merge
// with a per-key max so a reordered older vector can never lower an entry;
// the local entry is only ever written by add. Fire-and-forget: no reply.
func (s *GCounterServer) handleSyncCounter(msg Message) error {
	var body SyncCounterMessageBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return NewRPCError(MalformedBody, err.Error())
	}
	id := s.node.ID()
	s.mu.Lock()
	for owner, count := range body.Messages {
		if owner == id {
			continue
		}
		if count > s.counters[owner] {
			s.counters[owner] = count
		}
	}
	s.mu.Unlock()
	return nil
}

// Value returns the locally-visible counter total: the sum over every known
// per-node contribution.
func (s *GCounterServer) Value() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total uint64
	for _, count := range s.counters {
		total += count
	}
	return total
}

// publishLoop pushes the full counter vector to every neighbor until the
// serve loop shuts down.
func (s *GCounterServer) publishLoop(ctx context.Context) {
	ticker := time.NewTicker(counterSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publish()
		}
	}
}

// publish sends sync_counter to each neighbor, skipping entirely while the
// vector is still empty. No acknowledgement is expected; a failed send is
// retried by the next tick's publish.
func (s *GCounterServer) publish() {
	s.mu.RLock()
	counters := maps.Clone(s.counters)
	s.mu.RUnlock()
	if len(counters) == 0 {
		return
	}

	for _, dest := range s.node.Neighbors() {
		err := s.node.Request(dest, SyncCounterMessageBody{
			MessageBody: MessageBody{Type: "sync_counter"},
			Messages:    counters,
		})
		if err != nil {
			logrus.WithError(err).WithField("dest", dest).Warn("counter publish failed")
		}
	}
}
