package servent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-servent/wire"
)

type sentToken struct {
	target int
	token  wire.Token
}

// recordingCourier captures outbound mutex traffic.
type recordingCourier struct {
	mu       sync.Mutex
	requests []wire.TokenRequest
	tokens   []sentToken
}

func (c *recordingCourier) broadcastRequest(req wire.TokenRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
}

func (c *recordingCourier) sendToken(target int, token wire.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = append(c.tokens, sentToken{target: target, token: token})
}

func (c *recordingCourier) sentRequests() []wire.TokenRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.TokenRequest(nil), c.requests...)
}

func (c *recordingCourier) sentTokens() []sentToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentToken(nil), c.tokens...)
}

// mutexBus connects mutexes with one ordered inbox per mutex.
type mutexBus struct {
	mutexes []*Mutex
	inboxes []chan func()
}

type busCourier struct {
	bus  *mutexBus
	from int
}

func (c busCourier) broadcastRequest(req wire.TokenRequest) {
	for j := range c.bus.mutexes {
		if j == c.from {
			continue
		}
		var target = c.bus.mutexes[j]
		c.bus.inboxes[j] <- func() { target.HandleRequest(req) }
	}
}

func (c busCourier) sendToken(target int, token wire.Token) {
	var m = c.bus.mutexes[target]
	c.bus.inboxes[target] <- func() { m.HandleToken(token) }
}

func newMutexBus(t *testing.T, count int) *mutexBus {
	var bus = &mutexBus{
		mutexes: make([]*Mutex, count),
		inboxes: make([]chan func(), count),
	}
	var ctx, cancel = context.WithCancel(context.Background())
	t.Cleanup(cancel)

	for i := range count {
		bus.inboxes[i] = make(chan func(), 4096)
		bus.mutexes[i] = NewMutex(i, count, busCourier{bus: bus, from: i}, nil, nil)
	}
	for i := range count {
		var inbox = bus.inboxes[i]
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case deliver := <-inbox:
					deliver()
				}
			}
		}()
	}
	return bus
}

func TestMutex(t *testing.T) {
	var newCtx = func(t *testing.T) context.Context {
		var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		t.Cleanup(cancel)
		return ctx
	}

	t.Run("should start with the token at servent 0 only", func(t *testing.T) {
		// Arrange & Act
		var (
			zero = NewMutex(0, 3, &recordingCourier{}, nil, nil)
			one  = NewMutex(1, 3, &recordingCourier{}, nil, nil)
		)

		// Assert
		assert.True(t, zero.State().HasToken)
		assert.Equal(t, []int{0, 0, 0}, zero.State().LastGranted)
		assert.False(t, one.State().HasToken)
		assert.Nil(t, one.State().LastGranted)
	})

	t.Run("should enter without traffic when holding the token", func(t *testing.T) {
		// Arrange
		var (
			courier = &recordingCourier{}
			sut     = NewMutex(0, 3, courier, nil, nil)
		)

		// Act
		err := sut.EnterCriticalSection(newCtx(t))

		// Assert
		require.NoError(t, err)
		assert.True(t, sut.State().InCriticalSection)
		assert.Empty(t, courier.sentRequests())
		assert.Empty(t, courier.sentTokens())
	})

	t.Run("should grant the idle token after a single request", func(t *testing.T) {
		// Arrange
		var (
			holderCourier    = &recordingCourier{}
			requesterCourier = &recordingCourier{}
			holder           = NewMutex(0, 3, holderCourier, nil, nil)
			sut              = NewMutex(1, 3, requesterCourier, nil, nil)
			entered          = make(chan error, 1)
		)

		// Act
		go func() {
			entered <- sut.EnterCriticalSection(newCtx(t))
		}()

		require.Eventually(t, func() bool {
			return len(requesterCourier.sentRequests()) == 1
		}, time.Second, 5*time.Millisecond)

		holder.HandleRequest(requesterCourier.sentRequests()[0])
		var tokens = holderCourier.sentTokens()
		require.Len(t, tokens, 1)
		sut.HandleToken(tokens[0].token)

		// Assert
		require.NoError(t, <-entered)
		assert.Equal(t, wire.TokenRequest{Requester: 1, Sequence: 1}, requesterCourier.sentRequests()[0])
		assert.Len(t, requesterCourier.sentRequests(), 1)
		assert.Equal(t, 1, tokens[0].target)
		assert.False(t, holder.State().HasToken)
		assert.True(t, sut.State().InCriticalSection)
	})

	t.Run("should pass the token to the first queued requester on exit", func(t *testing.T) {
		// Arrange
		var (
			courier = &recordingCourier{}
			sut     = NewMutex(0, 3, courier, nil, nil)
		)
		require.NoError(t, sut.EnterCriticalSection(newCtx(t)))
		sut.HandleRequest(wire.TokenRequest{Requester: 1, Sequence: 1})
		sut.HandleRequest(wire.TokenRequest{Requester: 2, Sequence: 1})
		require.Empty(t, courier.sentTokens(), "token must stay while in the critical section")

		// Act
		err := sut.ExitCriticalSection()

		// Assert
		require.NoError(t, err)
		var tokens = courier.sentTokens()
		require.Len(t, tokens, 1)
		assert.Equal(t, 1, tokens[0].target)
		assert.Equal(t, []int{2}, tokens[0].token.Queue)
		assert.Equal(t, []int{0, 0, 0}, tokens[0].token.LastGranted)
		assert.False(t, sut.State().HasToken)
	})

	t.Run("should never move request numbers backwards", func(t *testing.T) {
		// Arrange
		var sut = NewMutex(0, 3, &recordingCourier{}, nil, nil)

		// Act
		sut.HandleRequest(wire.TokenRequest{Requester: 1, Sequence: 3})
		sut.HandleRequest(wire.TokenRequest{Requester: 1, Sequence: 2})
		sut.HandleRequest(wire.TokenRequest{Requester: 1, Sequence: 3})

		// Assert
		assert.Equal(t, 3, sut.State().RequestNumbers[1])
	})

	t.Run("should ignore stale requests already granted", func(t *testing.T) {
		// Arrange
		var (
			courier = &recordingCourier{}
			sut     = NewMutex(2, 3, courier, nil, nil)
		)
		sut.HandleToken(wire.Token{LastGranted: []int{0, 2, 0}, Queue: []int{}})

		// Act
		sut.HandleRequest(wire.TokenRequest{Requester: 1, Sequence: 2})

		// Assert
		assert.Empty(t, courier.sentTokens())
		assert.True(t, sut.State().HasToken)
	})

	t.Run("should drop requests from unknown servents", func(t *testing.T) {
		// Arrange
		var sut = NewMutex(0, 3, &recordingCourier{}, nil, nil)

		// Act
		sut.HandleRequest(wire.TokenRequest{Requester: 7, Sequence: 1})
		sut.HandleRequest(wire.TokenRequest{Requester: -1, Sequence: 1})

		// Assert
		assert.Equal(t, []int{0, 0, 0}, sut.State().RequestNumbers)
	})

	t.Run("should clamp state when exiting without the token", func(t *testing.T) {
		// Arrange
		var sut = NewMutex(1, 3, &recordingCourier{}, nil, nil)

		// Act
		err := sut.ExitCriticalSection()

		// Assert
		assert.ErrorIs(t, err, ErrNotHoldingToken)
		assert.False(t, sut.State().InCriticalSection)
	})

	t.Run("should keep the token when exiting twice", func(t *testing.T) {
		// Arrange
		var sut = NewMutex(0, 3, &recordingCourier{}, nil, nil)
		require.NoError(t, sut.EnterCriticalSection(newCtx(t)))
		require.NoError(t, sut.ExitCriticalSection())

		// Act
		err := sut.ExitCriticalSection()

		// Assert
		assert.ErrorIs(t, err, ErrNotInCriticalSection)
		assert.True(t, sut.State().HasToken)
	})

	t.Run("should give up on cancellation and keep a late token", func(t *testing.T) {
		// Arrange
		var (
			courier     = &recordingCourier{}
			sut         = NewMutex(1, 3, courier, nil, nil)
			ctx, cancel = context.WithCancel(context.Background())
			entered     = make(chan error, 1)
		)
		go func() {
			entered <- sut.EnterCriticalSection(ctx)
		}()
		require.Eventually(t, func() bool {
			return len(courier.sentRequests()) == 1
		}, time.Second, 5*time.Millisecond)

		// Act
		cancel()
		var err = <-entered
		sut.HandleToken(wire.Token{LastGranted: []int{0, 0, 0}, Queue: []int{}})

		// Assert
		assert.ErrorIs(t, err, context.Canceled)
		var state = sut.State()
		assert.True(t, state.HasToken)
		assert.False(t, state.InCriticalSection)
		assert.Equal(t, 1, state.LastGranted[1], "the abandoned request counts as served")

		require.NoError(t, sut.EnterCriticalSection(newCtx(t)))
		assert.Len(t, courier.sentRequests(), 1, "held token needs no new request")
	})

	t.Run("should reuse an abandoned request when entering again", func(t *testing.T) {
		// Arrange
		var (
			bus       = newMutexBus(t, 2)
			holder    = bus.mutexes[0]
			requester = bus.mutexes[1]
			entered   = make(chan error, 1)
		)
		require.NoError(t, holder.EnterCriticalSection(newCtx(t)))

		var shortCtx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		require.ErrorIs(t, requester.EnterCriticalSection(shortCtx), context.DeadlineExceeded)

		// Act
		go func() {
			entered <- requester.EnterCriticalSection(newCtx(t))
		}()
		require.Eventually(t, func() bool {
			return requester.State().WaitingForToken && holder.State().RequestNumbers[1] == 1
		}, time.Second, 5*time.Millisecond)
		require.NoError(t, holder.ExitCriticalSection())

		// Assert
		var err error
		assert.Eventually(t, func() bool {
			select {
			case err = <-entered:
				return true
			default:
				return false
			}
		}, time.Second, 5*time.Millisecond)
		assert.NoError(t, err)

		var state = requester.State()
		assert.True(t, state.HasToken)
		assert.True(t, state.InCriticalSection)
		assert.Equal(t, 1, state.RequestNumbers[1], "no second request is broadcast")
		assert.Equal(t, 1, holder.State().RequestNumbers[1])
		assert.False(t, holder.State().HasToken)
	})

	t.Run("should forward a late token to a pending requester", func(t *testing.T) {
		// Arrange
		var (
			courier     = &recordingCourier{}
			sut         = NewMutex(1, 3, courier, nil, nil)
			ctx, cancel = context.WithCancel(context.Background())
		)
		cancel()
		sut.HandleRequest(wire.TokenRequest{Requester: 2, Sequence: 1})

		// Act
		sut.HandleToken(wire.Token{LastGranted: []int{0, 0, 0}, Queue: []int{}})

		// Assert
		assert.Error(t, sut.EnterCriticalSection(ctx))
		var tokens = courier.sentTokens()
		require.Len(t, tokens, 1)
		assert.Equal(t, 2, tokens[0].target)
		assert.False(t, sut.State().HasToken)
	})

	t.Run("should not alias the token it sends", func(t *testing.T) {
		// Arrange
		var (
			courier = &recordingCourier{}
			sut     = NewMutex(1, 2, courier, nil, nil)
			token   = wire.Token{LastGranted: []int{0, 0}, Queue: []int{}}
		)
		sut.HandleToken(token)
		token.LastGranted[0] = 42

		// Act
		sut.HandleRequest(wire.TokenRequest{Requester: 0, Sequence: 1})

		// Assert
		var tokens = courier.sentTokens()
		require.Len(t, tokens, 1)
		assert.Equal(t, 0, tokens[0].target)
		assert.Equal(t, []int{0, 0}, tokens[0].token.LastGranted)
	})

	t.Run("should hand off the token to a pending requester before leaving", func(t *testing.T) {
		// Arrange
		var (
			courier = &recordingCourier{}
			sut     = NewMutex(0, 3, courier, nil, nil)
		)
		require.NoError(t, sut.EnterCriticalSection(newCtx(t)))
		sut.HandleRequest(wire.TokenRequest{Requester: 2, Sequence: 1})
		require.Empty(t, courier.sentTokens())

		// Act
		var retained = sut.HandOff()

		// Assert
		assert.False(t, retained)
		var tokens = courier.sentTokens()
		require.Len(t, tokens, 1)
		assert.Equal(t, 2, tokens[0].target)
		assert.False(t, sut.State().InCriticalSection)
	})

	t.Run("should report a token lost with nobody waiting", func(t *testing.T) {
		// Arrange
		var sut = NewMutex(0, 3, &recordingCourier{}, nil, nil)

		// Act
		var retained = sut.HandOff()

		// Assert
		assert.True(t, retained)
	})

	t.Run("should keep at most one servent in the critical section", func(t *testing.T) {
		// Arrange
		const (
			servents = 4
			rounds   = 25
		)
		var (
			bus     = newMutexBus(t, servents)
			inside  atomic.Int32
			maxSeen atomic.Int32
			entries atomic.Int32
			wg      sync.WaitGroup
		)

		// Act
		for i := range servents {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range rounds {
					if err := bus.mutexes[i].EnterCriticalSection(newCtx(t)); err != nil {
						t.Errorf("servent %d: %v", i, err)
						return
					}
					var now = inside.Add(1)
					if now > maxSeen.Load() {
						maxSeen.Store(now)
					}
					entries.Add(1)
					time.Sleep(100 * time.Microsecond)
					inside.Add(-1)
					if err := bus.mutexes[i].ExitCriticalSection(); err != nil {
						t.Errorf("servent %d: %v", i, err)
						return
					}
				}
			}()
		}
		wg.Wait()

		// Assert
		assert.Equal(t, int32(1), maxSeen.Load())
		assert.Equal(t, int32(servents*rounds), entries.Load())

		assert.Eventually(t, func() bool {
			var holders = 0
			for _, m := range bus.mutexes {
				if m.State().HasToken {
					holders++
				}
			}
			return holders == 1
		}, time.Second, 10*time.Millisecond, "exactly one token once traffic settles")
	})
}
