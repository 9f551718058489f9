package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go-servent/wire"
)

// ErrUnreachable is returned when no servent is registered at the destination.
var ErrUnreachable = errors.New("destination unreachable")

// Memory is an in-process network. Envelopes are encoded and decoded on the
// way so sender and receiver never share memory.
type Memory struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewMemory creates an empty in-process network.
func NewMemory() *Memory {
	return &Memory{
		handlers: make(map[string]Handler),
	}
}

// Register attaches handler to addr, replacing any previous one.
func (m *Memory) Register(addr string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[addr] = handler
}

// Unregister detaches addr; later sends to it fail with ErrUnreachable.
func (m *Memory) Unregister(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, addr)
}

// Send delivers a copy of env to the handler registered at to.
func (m *Memory) Send(ctx context.Context, to wire.NodeInfo, env *wire.Envelope) error {
	m.mu.RLock()
	var handler, exists = m.handlers[to.Endpoint()]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrUnreachable, to.Endpoint())
	}

	var codec jsonCodec
	data, err := codec.Marshal(env)
	if err != nil {
		return err
	}
	var copied wire.Envelope
	if err := codec.Unmarshal(data, &copied); err != nil {
		return err
	}

	return handler.Deliver(ctx, &copied)
}
