package servent

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"go-servent/wire"
)

// Upload reads path from this servent's store and stores it on the owner of
// hash(path). It runs inside the distributed critical section.
//
// A failed remote write is reported in the result payload, not as an error.
func (n *Node) Upload(ctx context.Context, path string) (wire.Result, error) {
	var data, err = n.files.Read(path)
	if err != nil {
		return wire.Result{}, fmt.Errorf("failed to read %s for upload: %w", path, err)
	}

	return n.withCriticalSection(ctx, func() (wire.Result, error) {
		return n.route(ctx, wire.Operation{
			Op:   wire.OpUpload,
			Key:  wire.HashKey(path, n.ring.Size()),
			Path: path,
			Data: data,
		})
	})
}

// RemoveFile deletes path from the owner of hash(path).
func (n *Node) RemoveFile(ctx context.Context, path string) (wire.Result, error) {
	return n.withCriticalSection(ctx, func() (wire.Result, error) {
		return n.route(ctx, wire.Operation{
			Op:   wire.OpRemove,
			Key:  wire.HashKey(path, n.ring.Size()),
			Path: path,
		})
	})
}

// ListFiles lists the files held by the owner of target's chord id, which is
// target itself while it is a member.
func (n *Node) ListFiles(ctx context.Context, target wire.NodeInfo) (wire.Result, error) {
	return n.withCriticalSection(ctx, func() (wire.Result, error) {
		return n.route(ctx, wire.Operation{
			Op:  wire.OpList,
			Key: target.ChordID,
		})
	})
}

// Put stores a DHT value on the owner of key.
func (n *Node) Put(ctx context.Context, key int, value string) (wire.Result, error) {
	if err := n.checkKey(key); err != nil {
		return wire.Result{}, err
	}
	return n.route(ctx, wire.Operation{
		Op:    wire.OpPut,
		Key:   key,
		Value: value,
	})
}

// Get fetches a DHT value from the owner of key.
func (n *Node) Get(ctx context.Context, key int) (wire.Result, error) {
	if err := n.checkKey(key); err != nil {
		return wire.Result{}, err
	}
	return n.route(ctx, wire.Operation{
		Op:  wire.OpGet,
		Key: key,
	})
}

func (n *Node) checkKey(key int) error {
	if key < 0 || key >= n.ring.Size() {
		return fmt.Errorf("key %d outside ring of size %d", key, n.ring.Size())
	}
	return nil
}

func (n *Node) withCriticalSection(ctx context.Context, fn func() (wire.Result, error)) (wire.Result, error) {
	if !n.Joined() {
		return wire.Result{}, ErrNotJoined
	}
	if err := n.mutex.EnterCriticalSection(ctx); err != nil {
		return wire.Result{}, err
	}
	defer func() {
		if err := n.mutex.ExitCriticalSection(); err != nil {
			n.logger.Error("failed to exit critical section", "error", err)
		}
	}()

	return fn()
}

// route starts op at this node as the original requester and waits for the
// owner's result.
func (n *Node) route(ctx context.Context, op wire.Operation) (wire.Result, error) {
	if !n.Joined() {
		return wire.Result{}, ErrNotJoined
	}

	op.ID = uuid.NewString()
	op.Origin = n.self

	var ch = make(chan wire.Result, 1)
	n.mu.Lock()
	n.pending[op.ID] = ch
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.pending, op.ID)
		n.mu.Unlock()
	}()

	if err := n.handleOperation(ctx, &wire.Envelope{Kind: wire.KindOperation, From: n.self, To: n.self, Operation: &op}); err != nil {
		return wire.Result{}, fmt.Errorf("failed to route %s: %w", op.Op, err)
	}

	select {
	case result := <-ch:
		n.logger.Debug("operation completed",
			"op", result.Op,
			"id", result.ID,
			"ok", result.OK,
			"trail", result.Trail)
		return result, nil
	case <-ctx.Done():
		return wire.Result{}, fmt.Errorf("failed to await %s result: %w", op.Op, ctx.Err())
	}
}
