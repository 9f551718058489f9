package servent

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"go-servent/filestore"
	"go-servent/wire"
)

// Node is one servent: it owns its ring view and its mutex engine and is the
// only component that talks to the transport.
type Node struct {
	self       wire.NodeInfo
	index      int
	peers      []wire.NodeInfo // fixed mutex membership, indexed by servent index
	ring       *Ring
	mutex      *Mutex
	transport  Transport
	rendezvous Rendezvous
	files      FileStore
	outbox     *outbox
	handlers   map[wire.Kind]handlerFunc
	options    options
	metrics    *metrics
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string]chan wire.Result
	joinCh  chan error
	joined  atomic.Bool
}

// NewNode creates servent number index. peers lists every servent of the
// cluster by index and must contain self at position index.
func NewNode(self wire.NodeInfo, index int, peers []wire.NodeInfo, transport Transport, rendezvous Rendezvous, opts ...Option) (*Node, error) {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	if err := ValidateRingSize(options.ringSize); err != nil {
		return nil, err
	}
	if index < 0 || index >= len(peers) {
		return nil, fmt.Errorf("servent index %d out of range for %d servents", index, len(peers))
	}
	if !peers[index].Equal(self) {
		return nil, fmt.Errorf("servent %d is configured as %s, not %s", index, peers[index], self)
	}
	if self.ChordID < 0 || self.ChordID >= options.ringSize {
		return nil, fmt.Errorf("chord id %d outside ring of size %d", self.ChordID, options.ringSize)
	}

	if options.files == nil {
		options.files = filestore.NewMemory()
	}
	if options.registerer == nil {
		options.registerer = prometheus.NewRegistry()
	}

	var logger = options.logger.With("servent", index, "chord_id", self.ChordID)

	var n = &Node{
		self:       self,
		index:      index,
		peers:      append([]wire.NodeInfo(nil), peers...),
		ring:       NewRing(self, options.ringSize, logger),
		transport:  transport,
		rendezvous: rendezvous,
		files:      options.files,
		outbox:     newOutbox(transport, logger),
		options:    options,
		metrics:    newMetrics(options.registerer),
		logger:     logger,
		pending:    make(map[string]chan wire.Result),
		joinCh:     make(chan error, 1),
	}
	n.mutex = NewMutex(index, len(peers), n, logger, n.metrics)
	n.handlers = n.routes()

	return n, nil
}

// Self returns this servent's identity.
func (n *Node) Self() wire.NodeInfo {
	return n.self
}

// Index returns this servent's position in the fixed cluster membership.
func (n *Node) Index() int {
	return n.index
}

// Ring returns this servent's ring view.
func (n *Node) Ring() *Ring {
	return n.ring
}

// Mutex returns this servent's mutual exclusion engine.
func (n *Node) Mutex() *Mutex {
	return n.mutex
}

// Joined reports whether the servent has joined the ring.
func (n *Node) Joined() bool {
	return n.joined.Load()
}

// String returns the ring view and the mutex state.
func (n *Node) String() string {
	var state = n.mutex.State()
	return fmt.Sprintf("%s\nMutex: servent %d | token: %t | in CS: %t | waiting: %t | RN: %v | LN: %v | Q: %v\n",
		n.ring.String(), n.index, state.HasToken, state.InCriticalSection, state.WaitingForToken,
		state.RequestNumbers, state.LastGranted, state.Queue)
}

// send stamps and queues an envelope; it never blocks on the network.
func (n *Node) send(to wire.NodeInfo, env *wire.Envelope) {
	env.From = n.self
	env.To = to
	n.outbox.enqueue(to, env)
}

func (n *Node) broadcastRequest(req wire.TokenRequest) {
	for i, peer := range n.peers {
		if i == n.index {
			continue
		}
		var r = req
		n.send(peer, &wire.Envelope{Kind: wire.KindTokenRequest, TokenRequest: &r})
	}
}

func (n *Node) sendToken(target int, token wire.Token) {
	if target < 0 || target >= len(n.peers) {
		n.logger.Error("cannot send token to unknown servent", "target", target)
		return
	}
	n.send(n.peers[target], &wire.Envelope{Kind: wire.KindToken, Token: &token})
}
