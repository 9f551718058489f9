package servent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go-servent/wire"
)

const sendTimeout = 5 * time.Second

// outbox makes Transport.Send fire-and-forget while preserving per-destination
// ordering: each destination gets one queue drained by one worker.
type outbox struct {
	transport Transport
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string]*peerQueue
	closed bool
}

type peerQueue struct {
	to    wire.NodeInfo
	mu    sync.Mutex
	items []*wire.Envelope
	wake  chan struct{}
}

func newOutbox(transport Transport, logger *slog.Logger) *outbox {
	var ctx, cancel = context.WithCancel(context.Background())
	return &outbox{
		transport: transport,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		queues:    make(map[string]*peerQueue),
	}
}

// enqueue never blocks on the network.
func (o *outbox) enqueue(to wire.NodeInfo, env *wire.Envelope) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.logger.Warn("outbox closed, dropping message", "kind", env.Kind, "to", to.Endpoint())
		return
	}

	var q, exists = o.queues[to.Endpoint()]
	if !exists {
		q = &peerQueue{
			to:   to,
			wake: make(chan struct{}, 1),
		}
		o.queues[to.Endpoint()] = q
		o.wg.Add(1)
		go o.drainWorker(q)
	}
	o.mu.Unlock()

	q.mu.Lock()
	q.items = append(q.items, env)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// drainWorker sends everything queued for one destination, in order.
func (o *outbox) drainWorker(q *peerQueue) {
	defer o.wg.Done()

	for {
		o.flush(q)

		select {
		case <-o.ctx.Done():
			return
		case <-o.done:
			o.flush(q)
			return
		case <-q.wake:
		}
	}
}

func (o *outbox) flush(q *peerQueue) {
	for o.ctx.Err() == nil {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		var env = q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		var ctx, cancel = context.WithTimeout(o.ctx, sendTimeout)
		if err := o.transport.Send(ctx, q.to, env); err != nil {
			o.logger.Error("failed to send message",
				"kind", env.Kind,
				"to", q.to.Endpoint(),
				"error", err)
		}
		cancel()
	}
}

// close stops accepting messages and waits for queued ones to be sent,
// giving up when ctx is done.
func (o *outbox) close(ctx context.Context) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.done)
	o.mu.Unlock()

	var finished = make(chan struct{})
	go func() {
		o.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		o.logger.Warn("outbox close interrupted, dropping unsent messages", "error", ctx.Err())
	}
	o.cancel()
}
