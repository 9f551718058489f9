package servent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"go-servent/wire"
)

// tokenCourier carries the mutex's outbound traffic. Both methods are called
// with the mutex lock held and must not block.
type tokenCourier interface {
	broadcastRequest(req wire.TokenRequest)
	sendToken(target int, token wire.Token)
}

// Mutex is a Suzuki–Kasami token-based distributed mutual exclusion engine.
//
// All state is guarded by mu. EnterCriticalSection waits on cond, which is
// bound to mu, so token arrival is always signalled under the same lock.
type Mutex struct {
	mu    sync.Mutex
	cond  *sync.Cond
	myID  int
	count int
	rn    []int // highest request number seen per servent

	hasToken bool
	ln       []int // last granted request per servent; valid only while hasToken
	queue    []int // servents waiting for the token; valid only while hasToken

	inCS      bool
	waiting   bool
	requested bool // a broadcast request is still outstanding

	courier tokenCourier
	logger  *slog.Logger
	metrics *metrics
}

// MutexState is a point-in-time snapshot of the engine.
type MutexState struct {
	HasToken          bool
	InCriticalSection bool
	WaitingForToken   bool
	RequestNumbers    []int
	LastGranted       []int
	Queue             []int
}

// NewMutex creates the engine for servent myID out of count servents.
// Servent 0 starts as the unique token holder.
func NewMutex(myID, count int, courier tokenCourier, logger *slog.Logger, m *metrics) *Mutex {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var mx = &Mutex{
		myID:    myID,
		count:   count,
		rn:      make([]int, count),
		courier: courier,
		logger:  logger,
		metrics: m,
	}
	mx.cond = sync.NewCond(&mx.mu)

	if myID == 0 {
		mx.hasToken = true
		mx.ln = make([]int, count)
		mx.queue = make([]int, 0)
	}

	return mx
}

// EnterCriticalSection blocks until this servent holds the token.
// Local callers are serialized: a second caller waits until the first exits.
// Cancelling ctx abandons the wait; the broadcast request is not withdrawn,
// and a later call waits on it instead of broadcasting a new one.
func (m *Mutex) EnterCriticalSection(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stop = context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	for m.inCS || m.waiting {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("failed to acquire critical section: %w", err)
		}
		m.cond.Wait()
	}

	if m.hasToken {
		m.inCS = true
		m.metrics.criticalSectionEntered()
		m.logger.Debug("entered critical section with token already held")
		return nil
	}

	m.waiting = true
	if m.requested {
		m.logger.Debug("awaiting outstanding token request", "sequence", m.rn[m.myID])
	} else {
		m.rn[m.myID]++
		m.requested = true

		var req = wire.TokenRequest{Requester: m.myID, Sequence: m.rn[m.myID]}
		m.logger.Debug("requesting token", "sequence", req.Sequence)
		m.courier.broadcastRequest(req)
		m.metrics.tokenRequested()
	}
	var sequence = m.rn[m.myID]

	// inCS is set by the token handler on our behalf.
	for !m.inCS {
		if err := ctx.Err(); err != nil {
			m.waiting = false
			m.logger.Warn("gave up waiting for token", "sequence", sequence, "error", err)
			return fmt.Errorf("failed to acquire critical section: %w", err)
		}
		m.cond.Wait()
	}

	m.metrics.criticalSectionEntered()
	m.logger.Debug("entered critical section", "sequence", sequence)
	return nil
}

// ExitCriticalSection records the local request as granted and passes the
// token to the next pending requester, if any.
// Protocol violations are logged and clamped, never fatal.
func (m *Mutex) ExitCriticalSection() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.cond.Broadcast()

	if !m.hasToken {
		m.logger.Error("exit critical section without holding the token", "in_cs", m.inCS)
		m.inCS = false
		return ErrNotHoldingToken
	}

	if !m.inCS {
		m.logger.Error("exit critical section while not in it")
		return ErrNotInCriticalSection
	}

	m.inCS = false
	m.release()
	return nil
}

// HandleRequest records a token request and hands the idle token over when
// the request is the next one not yet granted to its sender.
func (m *Mutex) HandleRequest(req wire.TokenRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var j = req.Requester
	if j < 0 || j >= m.count || j == m.myID {
		m.logger.Warn("dropping token request from unknown servent", "requester", j)
		return
	}

	m.rn[j] = max(m.rn[j], req.Sequence)

	if m.hasToken && !m.inCS && m.rn[j] == m.ln[j]+1 {
		m.logger.Debug("idle token handed to requester", "requester", j, "sequence", m.rn[j])
		m.sendToken(j)
	}
}

// HandleToken adopts an arriving token and wakes the waiting caller.
func (m *Mutex) HandleToken(token wire.Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.cond.Broadcast()

	if len(token.LastGranted) != m.count {
		m.logger.Error("dropping malformed token", "last_granted", len(token.LastGranted), "servents", m.count)
		return
	}
	if m.hasToken {
		m.logger.Error("received a token while already holding one")
	}

	var t = token.Clone()
	m.hasToken = true
	m.requested = false
	m.ln = t.LastGranted
	m.queue = t.Queue
	m.metrics.tokenReceived()

	m.logger.Debug("received token", "last_granted", m.ln, "queue", m.queue)

	if m.waiting {
		m.waiting = false
		m.inCS = true
		return
	}

	// Nobody here wants it any more.
	m.release()
}

// HandOff passes a held, idle token to the next pending requester before shutdown.
// It reports whether the token is still held here, in which case it is lost
// with this servent.
func (m *Mutex) HandOff() (retained bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasToken {
		return false
	}
	if m.inCS {
		m.logger.Error("handing off token while in critical section")
		m.inCS = false
	}

	m.release()
	if m.hasToken {
		m.logger.Warn("token lost with leaving servent: no pending requesters")
	}
	return m.hasToken
}

// State returns a snapshot of the engine.
func (m *Mutex) State() MutexState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return MutexState{
		HasToken:          m.hasToken,
		InCriticalSection: m.inCS,
		WaitingForToken:   m.waiting,
		RequestNumbers:    slices.Clone(m.rn),
		LastGranted:       slices.Clone(m.ln),
		Queue:             slices.Clone(m.queue),
	}
}

// release marks the local request as granted, enqueues every servent with an
// outstanding request and passes the token to the queue head.
// Must be called with lock held and the token held.
func (m *Mutex) release() {
	m.ln[m.myID] = m.rn[m.myID]

	for j := range m.count {
		if j == m.myID {
			continue
		}
		if m.rn[j] == m.ln[j]+1 && !slices.Contains(m.queue, j) {
			m.queue = append(m.queue, j)
		}
	}

	if len(m.queue) == 0 {
		return
	}

	var head = m.queue[0]
	m.queue = m.queue[1:]
	m.sendToken(head)
}

// sendToken ships an immutable copy of the token and forgets the local one.
// Must be called with lock held and the token held.
func (m *Mutex) sendToken(target int) {
	var token = wire.Token{
		LastGranted: slices.Clone(m.ln),
		Queue:       slices.DeleteFunc(slices.Clone(m.queue), func(j int) bool { return j == target }),
	}

	m.hasToken = false
	m.ln = nil
	m.queue = nil

	m.logger.Debug("sending token", "target", target, "queue", token.Queue)
	m.courier.sendToken(target, token)
	m.metrics.tokenSent()
}
