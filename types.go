package servent

import (
	"context"
	"errors"

	"go-servent/wire"
)

var (
	// ErrInvalidRingSize is returned when the ring size is not a power of two.
	ErrInvalidRingSize = errors.New("ring size must be a power of two and at least 2")

	// ErrCollision is returned when a joining node's chord id is already taken.
	ErrCollision = errors.New("chord id collides with an existing member")

	// ErrNotHoldingToken is returned when the critical section is released without the token.
	ErrNotHoldingToken = errors.New("token is not held by this servent")

	// ErrNotInCriticalSection is returned when the critical section is released twice.
	ErrNotInCriticalSection = errors.New("servent is not in the critical section")

	// ErrUnknownMessage is returned for a message kind without a handler.
	ErrUnknownMessage = errors.New("unknown message kind")

	// ErrNotJoined is returned for ring operations before the node has joined.
	ErrNotJoined = errors.New("servent has not joined the ring")
)

// Transport delivers an envelope to a single servent.
// Delivery failures are reported but never retried by the caller.
type Transport interface {
	Send(ctx context.Context, to wire.NodeInfo, env *wire.Envelope) error
}

// FileStore is scoped to one servent's working directory.
type FileStore interface {
	Read(path string) ([]byte, error)
	Write(path string, data []byte) error
	Delete(path string) error
	List() ([]string, error)
}

// Rendezvous is the bootstrap service a node contacts to join the ring.
type Rendezvous interface {
	// Hail returns a member to contact, or nil when the ring is empty.
	Hail(ctx context.Context, self wire.NodeInfo) (*wire.NodeInfo, error)
	// Confirm records that self joined without an id collision.
	Confirm(ctx context.Context, self wire.NodeInfo) error
	// Depart removes self from the service.
	Depart(ctx context.Context, self wire.NodeInfo) error
}
