package maelstrom

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// syncInterval is the cadence of the broadcast anti-entropy flush.
const syncInterval = 125 * time.Millisecond

// extraKnownFloor is the floor on how many already-known values may be padded
// onto each gossip batch; fewer are padded when the peer is known to hold
// fewer values. The floor guarantees progress when sets are tiny.
const extraKnownFloor = 10

// BroadcastServer implements the broadcast workload: it accumulates
// broadcast values and gossips them toward the node's neighbors until the
// whole cluster converges. Peers cross-check a padding of values they are
// believed to already hold, so values lost in transit reconverge.
type BroadcastServer struct {
	node *Node

	// mu guards all gossip state below. It is never held across I/O.
	mu       sync.RWMutex
	saved    mapset.Set[uint64]
	known    map[string]mapset.Set[uint64]
	pending  map[string]mapset.Set[uint64]
	lastSync time.Time
}

// NewBroadcastServer returns a broadcast workload attached to a node. It
// registers the broadcast, read, topology and sync handlers and the
// background gossip loop.
func NewBroadcastServer(n *Node) *BroadcastServer {
	s := &BroadcastServer{
		node:    n,
		saved:   mapset.NewThreadUnsafeSet[uint64](),
		known:   make(map[string]mapset.Set[uint64]),
		pending: make(map[string]mapset.Set[uint64]),
	}
	n.Handle("broadcast", s.handleBroadcast)
	n.Handle("read", s.handleRead)
	n.Handle("topology", s.handleTopology)
	n.Handle("sync", s.handleSync)
	n.Background(s.gossipLoop)
	return s
}

func (s *BroadcastServer) handleBroadcast(msg Message) error {
	var body BroadcastMessageBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return NewRPCError(MalformedBody, err.Error())
	}
	s.observe(msg.Src, []uint64{body.Message})
	return s.node.Reply(msg, MessageBody{Type: "broadcast_ok"})
}

func (s *BroadcastServer) handleRead(msg Message) error {
	return s.node.Reply(msg, ReadOKMessageBody{
		MessageBody: MessageBody{Type: "read_ok"},
		Messages:    s.Messages(),
	})
}

func (s *BroadcastServer) handleTopology(msg Message) error {
	var body TopologyMessageBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return NewRPCError(MalformedBody, err.Error())
	}
	if peers, ok := body.Topology[s.node.ID()]; ok {
		s.node.SetNeighbors(peers)
	}
	return s.node.Reply(msg, MessageBody{Type: "topology_ok"})
}

// handleSync absorbs a peer's gossip batch. Sync is fire-and-forget: no
// reply is sent.
func (s *BroadcastServer) handleSync(msg Message) error {
	var body SyncMessageBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return NewRPCError(MalformedBody, err.Error())
	}
	s.observe(msg.Src, body.Messages)
	return nil
}

// Messages returns every broadcast value this node has observed, sorted
// ascending.
func (s *BroadcastServer) Messages() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.saved.ToSlice()
	slices.Sort(out)
	return out
}

// observe records values asserted by source and requeues gossip for every
// neighbor: the values the neighbor is missing, padded with a sample of
// values it is believed to already hold.
func (s *BroadcastServer) observe(source string, values []uint64) {
	neighbors := s.node.Neighbors()
	incoming := mapset.NewThreadUnsafeSet(values...)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.saved = s.saved.Union(incoming)
	if lo.Contains(neighbors, source) {
		s.knownBy(source).Append(values...)
	}

	for _, peer := range neighbors {
		known := s.knownBy(peer)
		missing := s.saved.Difference(known)

		limit := missing.Cardinality() / 10
		if limit < extraKnownFloor {
			limit = extraKnownFloor
		}
		batch := missing.Union(lowestN(known, limit))
		if batch.Cardinality() == 0 {
			continue
		}
		s.queueFor(peer).Append(batch.ToSlice()...)
	}
}

// knownBy returns the set of values peer is known to hold. Caller holds mu.
func (s *BroadcastServer) knownBy(peer string) mapset.Set[uint64] {
	set, ok := s.known[peer]
	if !ok {
		set = mapset.NewThreadUnsafeSet[uint64]()
		s.known[peer] = set
	}
	return set
}

// queueFor returns the pending gossip queue for peer. Caller holds mu.
func (s *BroadcastServer) queueFor(peer string) mapset.Set[uint64] {
	set, ok := s.pending[peer]
	if !ok {
		set = mapset.NewThreadUnsafeSet[uint64]()
		s.pending[peer] = set
	}
	return set
}

// lowestN returns the n smallest values of set. Smallest-first keeps the
// padding selection reproducible.
func lowestN(set mapset.Set[uint64], n int) mapset.Set[uint64] {
	vals := set.ToSlice()
	slices.Sort(vals)
	if len(vals) > n {
		vals = vals[:n]
	}
	return mapset.NewThreadUnsafeSet(vals...)
}

// gossipLoop drains the pending queues toward neighbors until the serve loop
// shuts down.
func (s *BroadcastServer) gossipLoop(ctx context.Context) {
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

// flush drains every non-empty pending queue into one sync request per
// neighbor. A failed send requeues its values so the next tick retries.
func (s *BroadcastServer) flush() {
	s.mu.Lock()
	batches := make(map[string][]uint64)
	for peer, queue := range s.pending {
		if queue.Cardinality() == 0 {
			continue
		}
		vals := queue.ToSlice()
		slices.Sort(vals)
		batches[peer] = vals
		delete(s.pending, peer)
	}
	if len(batches) > 0 {
		s.lastSync = time.Now()
	}
	s.mu.Unlock()

	for dest, vals := range batches {
		err := s.node.Request(dest, SyncMessageBody{
			MessageBody: MessageBody{Type: "sync"},
			Messages:    vals,
		})
		if err != nil {
			logrus.WithError(err).WithField("dest", dest).Warn("sync flush failed")
			s.mu.Lock()
			s.queueFor(dest).Append(vals...)
			s.mu.Unlock()
		}
	}
}
