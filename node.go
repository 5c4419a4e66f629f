package maelstrom

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// HandlerFunc is the function signature for a message handler.
type HandlerFunc func(msg Message) error

// Node represents a single node in the network. It owns the serve loop that
// multiplexes STDIN into registered workload handlers, the node identity
// state, and the background tasks attached by workloads.
type Node struct {
	// mu guards the identity state below. It is never held across I/O.
	mu sync.RWMutex
	wg sync.WaitGroup

	id          string
	nodeIDs     []string
	neighbors   []string
	initialized bool
	nextMsgID   uint64

	handlers  map[string]HandlerFunc
	callbacks map[uint64]HandlerFunc
	tasks     []func(ctx context.Context)

	// outMu serializes writes so lines are never interleaved. writeErr
	// records the first failed write; transport failures are fatal to the
	// serve loop.
	outMu    sync.Mutex
	writeErr error

	// Stdin is for reading messages in from the Maelstrom network.
	Stdin io.Reader

	// Stdout is for writing messages out to the Maelstrom network.
	Stdout io.Writer
}

// NewNode returns a new instance of Node connected to STDIN/STDOUT.
func NewNode() *Node {
	return &Node{
		handlers:  make(map[string]HandlerFunc),
		callbacks: make(map[uint64]HandlerFunc),

		Stdin:  os.Stdin,
		Stdout: os.Stdout,
	}
}

// Init marks the node as initialized with the given identity and cluster
// membership. This is normally driven by the "init" message but can be called
// manually when initializing unit tests. Returns ErrNodeAlreadyInitialized if
// the node has already been initialized.
func (n *Node) Init(id string, nodeIDs []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.initialized {
		return ErrNodeAlreadyInitialized
	}
	n.id = id
	n.nodeIDs = nodeIDs
	n.neighbors = peerSet(id, nodeIDs)
	n.initialized = true
	return nil
}

// peerSet returns peers deduplicated and with the local id filtered out.
func peerSet(id string, peers []string) []string {
	return lo.Filter(lo.Uniq(peers), func(peer string, _ int) bool {
		return peer != id
	})
}

// ID returns the identifier for this node.
// Only valid after "init" message has been received.
func (n *Node) ID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.id
}

// NodeIDs returns a list of all node IDs in the cluster. This list includes
// the local node ID and is the same order across all nodes. Only valid after
// "init" message has been received.
func (n *Node) NodeIDs() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nodeIDs
}

// Neighbors returns a copy of the current gossip peer set. The set never
// contains the local node ID.
func (n *Node) Neighbors() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, len(n.neighbors))
	copy(out, n.neighbors)
	return out
}

// SetNeighbors replaces the gossip peer set. The local node ID and duplicate
// entries are filtered out.
func (n *Node) SetNeighbors(peers []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.neighbors = peerSet(n.id, peers)
}

// Handle registers a message handler for a given message type. Will panic if
// registering multiple handlers for the same message type. The registration
// table is fixed once Run has started.
func (n *Node) Handle(typ string, fn HandlerFunc) {
	if _, ok := n.handlers[typ]; ok {
		panic(fmt.Sprintf("duplicate message handler for %q message type", typ))
	}
	n.handlers[typ] = fn
}

// Background attaches a task started when the serve loop begins. The task
// must return when ctx is cancelled; ctx is cancelled when STDIN is
// exhausted.
func (n *Node) Background(fn func(ctx context.Context)) {
	n.tasks = append(n.tasks, fn)
}

// newMsgID allocates the next outbound message ID. IDs are strictly
// increasing across all outbound messages, regardless of which task sends.
func (n *Node) newMsgID() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextMsgID++
	return n.nextMsgID
}

// Run executes the main event handling loop. It reads in messages from STDIN
// and delegates them to the appropriate registered handler, replying before
// the next line is read. Background tasks attached by workloads run for the
// duration of the loop and are cancelled on end of input. This should be the
// last function executed by main().
func (n *Node) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, task := range n.tasks {
		task := task
		g.Go(func() error {
			task(ctx)
			return nil
		})
	}

	var fatal error
	scanner := bufio.NewScanner(n.Stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		n.dispatch(line)
		if err := n.writeFailure(); err != nil {
			fatal = fmt.Errorf("write stdout: %w", err)
			break
		}
	}
	if fatal == nil {
		if err := scanner.Err(); err != nil {
			fatal = fmt.Errorf("read stdin: %w", err)
		}
	}

	cancel()
	n.wg.Wait()
	if err := g.Wait(); err != nil && fatal == nil {
		fatal = fmt.Errorf("background task: %w", err)
	}
	return fatal
}

// writeFailure reports the first stdout write error, if any.
func (n *Node) writeFailure() error {
	n.outMu.Lock()
	defer n.outMu.Unlock()
	return n.writeErr
}

// dispatch routes one inbound line. Protocol and state errors become error
// replies so the harness always observes a well-formed response; only
// transport failures abort the loop.
func (n *Node) dispatch(line []byte) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		n.replyError(msg, NewRPCError(JSONFailure, err.Error()))
		return
	}

	var body MessageBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		n.replyError(msg, NewRPCError(JSONFailure, err.Error()))
		return
	}
	logrus.Debugf("Received %s", line)

	// Replies to our own requests route to callbacks, not handlers.
	if body.InReplyTo != 0 {
		n.mu.Lock()
		h := n.callbacks[body.InReplyTo]
		delete(n.callbacks, body.InReplyTo)
		n.mu.Unlock()

		if h == nil {
			logrus.Debugf("Ignoring reply to %d with no callback", body.InReplyTo)
			return
		}

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := h(msg); err != nil {
				logrus.WithError(err).Warn("callback error")
			}
		}()
		return
	}

	if body.Type == "" {
		n.replyError(msg, ErrUnknownRequestType)
		return
	}

	if body.Type == "init" {
		n.handleInitMessage(msg)
		return
	}

	n.mu.RLock()
	initialized := n.initialized
	h := n.handlers[body.Type]
	registered := len(n.handlers)
	n.mu.RUnlock()

	if !initialized {
		n.replyError(msg, ErrNodeNotInitialized)
		return
	}
	if h == nil {
		if registered == 0 {
			n.replyError(msg, ErrNoWorkloadHandlers)
		} else {
			n.replyError(msg, ErrNoHandlerForType)
		}
		return
	}

	n.handleMessage(h, msg)
}

// handleMessage sends msg to a handler function. Sends an RPC error reply if
// an error is returned.
func (n *Node) handleMessage(h HandlerFunc, msg Message) {
	if err := h(msg); err != nil {
		switch err := err.(type) {
		case *RPCError:
			n.replyError(msg, err)
		default:
			logrus.WithError(err).Errorf("exception handling %s message", msg.Type())
			n.replyError(msg, NewRPCError(Crash, err.Error()))
		}
	}
}

func (n *Node) handleInitMessage(msg Message) {
	var body InitMessageBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		n.replyError(msg, NewRPCError(MalformedBody, err.Error()))
		return
	}
	if err := n.Init(body.NodeID, body.NodeIDs); err != nil {
		n.replyError(msg, err.(*RPCError))
		return
	}

	// Delegate to application initialization handler, if specified.
	if h := n.handlers["init"]; h != nil {
		if err := h(msg); err != nil {
			switch err := err.(type) {
			case *RPCError:
				n.replyError(msg, err)
			default:
				n.replyError(msg, NewRPCError(Crash, err.Error()))
			}
			return
		}
	}

	logrus.Infof("Node %s initialized", body.NodeID)
	if err := n.Reply(msg, MessageBody{Type: "init_ok"}); err != nil {
		logrus.WithError(err).Error("init reply failed")
	}
}

// Reply replies to a request with a response body. The reply carries a fresh
// msg_id and echoes the request's msg_id as in_reply_to.
func (n *Node) Reply(req Message, body any) error {
	var reqBody MessageBody
	if err := json.Unmarshal(req.Body, &reqBody); err != nil {
		return err
	}

	// We have to marshal/unmarshal to inject our reply message IDs.
	b := make(map[string]any)
	if buf, err := json.Marshal(body); err != nil {
		return err
	} else if err := json.Unmarshal(buf, &b); err != nil {
		return err
	}
	b["msg_id"] = n.newMsgID()
	if reqBody.MsgID != 0 {
		b["in_reply_to"] = reqBody.MsgID
	}

	return n.Send(n.replyDest(req), b)
}

// replyDest picks the destination for a reply: the request source, unless the
// request came from ourselves, in which case the original destination.
func (n *Node) replyDest(req Message) string {
	if req.Src == n.ID() {
		return req.Dest
	}
	return req.Src
}

// replyError synthesizes an "error" reply for a request. The request's
// msg_id is used as in_reply_to when present, else 1.
func (n *Node) replyError(req Message, rpcErr *RPCError) {
	var reqBody MessageBody
	_ = json.Unmarshal(req.Body, &reqBody) // best effort; body may be malformed

	inReplyTo := reqBody.MsgID
	if inReplyTo == 0 {
		inReplyTo = 1
	}
	body := map[string]any{
		"type":        "error",
		"code":        rpcErr.Code,
		"text":        rpcErr.Text,
		"msg_id":      n.newMsgID(),
		"in_reply_to": inReplyTo,
	}
	if err := n.Send(n.replyDest(req), body); err != nil {
		logrus.WithError(err).Error("error reply failed")
	}
}

// Send sends a message body to a given destination node. A nil body is
// suppressed: nothing is written.
func (n *Node) Send(dest string, body any) error {
	if body == nil {
		return nil
	}
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return err
	}

	buf, err := json.Marshal(Message{
		Src:  n.ID(),
		Dest: dest,
		Body: bodyJSON,
	})
	if err != nil {
		return err
	}

	// Synchronize access to STDOUT.
	n.outMu.Lock()
	defer n.outMu.Unlock()

	logrus.Debugf("Sent %s", buf)

	if _, err = n.Stdout.Write(buf); err == nil {
		_, err = n.Stdout.Write([]byte{'\n'})
	}
	if err != nil && n.writeErr == nil {
		n.writeErr = err
	}
	return err
}

// Request sends a workload-initiated request with a fresh msg_id and no
// in_reply_to. Used by the gossip loops.
func (n *Node) Request(dest string, body any) error {
	b := make(map[string]any)
	if buf, err := json.Marshal(body); err != nil {
		return err
	} else if err := json.Unmarshal(buf, &b); err != nil {
		return err
	}
	b["msg_id"] = n.newMsgID()
	return n.Send(dest, b)
}

// RPC sends an async RPC request. Handler invoked when response message received.
func (n *Node) RPC(dest string, body any, handler HandlerFunc) error {
	n.mu.Lock()
	n.nextMsgID++
	msgID := n.nextMsgID
	n.callbacks[msgID] = handler
	n.mu.Unlock()

	// We have to marshal/unmarshal to inject our message ID.
	b := make(map[string]any)
	if buf, err := json.Marshal(body); err != nil {
		return err
	} else if err := json.Unmarshal(buf, &b); err != nil {
		return err
	}
	b["msg_id"] = msgID

	return n.Send(dest, b)
}

// SyncRPC sends a synchronous RPC request. Returns the response message. RPC
// errors in the message body are converted to *RPCError and are returned.
func (n *Node) SyncRPC(ctx context.Context, dest string, body any) (Message, error) {
	respCh := make(chan Message)
	if err := n.RPC(dest, body, func(m Message) error {
		respCh <- m
		return nil
	}); err != nil {
		return Message{}, err
	}

	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()

	case m := <-respCh:
		if err := m.RPCError(); err != nil {
			return m, err
		}
		return m, nil
	}
}
