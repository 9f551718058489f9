package servent

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"

	"go-servent/wire"
)

type handlerFunc func(ctx context.Context, env *wire.Envelope) error

func (n *Node) routes() map[wire.Kind]handlerFunc {
	return map[wire.Kind]handlerFunc{
		wire.KindTokenRequest: n.handleTokenRequest,
		wire.KindToken:        n.handleToken,
		wire.KindOperation:    n.handleOperation,
		wire.KindResult:       n.handleResult,
		wire.KindNewNode:      n.handleNewNode,
		wire.KindWelcome:      n.handleWelcome,
		wire.KindSorry:        n.handleSorry,
		wire.KindUpdate:       n.handleUpdate,
		wire.KindLeave:        n.handleLeave,
	}
}

// Deliver hands an inbound envelope to the handler for its kind.
// It is safe to call from any number of goroutines.
func (n *Node) Deliver(ctx context.Context, env *wire.Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: nil envelope", ErrUnknownMessage)
	}

	var handler, exists = n.handlers[env.Kind]
	if !exists {
		return n.drop(env, "no handler for message kind")
	}
	return handler(ctx, env)
}

// drop logs and counts a message that changes no state.
func (n *Node) drop(env *wire.Envelope, reason string) error {
	n.logger.Warn("dropping message", "kind", env.Kind, "from", env.From.Endpoint(), "reason", reason)
	n.metrics.messageDropped(env.Kind)
	return fmt.Errorf("%w: %s (%s)", ErrUnknownMessage, env.Kind, reason)
}

func (n *Node) handleTokenRequest(_ context.Context, env *wire.Envelope) error {
	if env.TokenRequest == nil {
		return n.drop(env, "missing token request payload")
	}
	n.mutex.HandleRequest(*env.TokenRequest)
	return nil
}

func (n *Node) handleToken(_ context.Context, env *wire.Envelope) error {
	if env.Token == nil {
		return n.drop(env, "missing token payload")
	}
	n.mutex.HandleToken(*env.Token)
	return nil
}

// handleOperation executes an operation this node owns, or forwards it
// unchanged towards the owner. Origin is never rewritten.
func (n *Node) handleOperation(_ context.Context, env *wire.Envelope) error {
	if env.Operation == nil {
		return n.drop(env, "missing operation payload")
	}

	var op = *env.Operation
	op.Trail = append(slices.Clone(op.Trail), n.self.ChordID)

	var next, mine = n.ring.NextHopFor(op.Key)
	if !mine {
		n.logger.Debug("forwarding operation",
			"op", op.Op,
			"id", op.ID,
			"key", op.Key,
			"next", next.String())
		n.metrics.operationForwarded(op.Op)
		n.send(next, &wire.Envelope{Kind: wire.KindOperation, Operation: &op})
		return nil
	}

	var result = n.execute(op)
	n.metrics.operationHandled(op.Op, result.OK)

	if op.Origin.Equal(n.self) {
		n.complete(result)
		return nil
	}
	n.send(op.Origin, &wire.Envelope{Kind: wire.KindResult, Result: &result})
	return nil
}

// execute runs an operation against the local store or DHT values.
func (n *Node) execute(op wire.Operation) wire.Result {
	var result = wire.Result{
		ID:    op.ID,
		Op:    op.Op,
		Trail: op.Trail,
	}

	switch op.Op {
	case wire.OpUpload:
		if err := n.files.Write(op.Path, op.Data); err != nil {
			n.logger.Error("failed to store uploaded file", "path", op.Path, "error", err)
			result.Payload = "FAIL:" + op.Path
			return result
		}
		n.logger.Info("stored uploaded file",
			"path", op.Path,
			"size", humanize.Bytes(uint64(len(op.Data))),
			"from", op.Origin.Endpoint())
		result.OK = true
		result.Payload = "OK:" + op.Path

	case wire.OpRemove:
		if err := n.files.Delete(op.Path); err != nil {
			n.logger.Warn("failed to remove file", "path", op.Path, "error", err)
			result.Payload = "FAIL:" + op.Path
			return result
		}
		n.logger.Info("removed file", "path", op.Path, "from", op.Origin.Endpoint())
		result.OK = true
		result.Payload = "OK:" + op.Path

	case wire.OpList:
		var files, err = n.files.List()
		if err != nil {
			n.logger.Error("failed to list files", "error", err)
			result.Payload = "FAIL:" + n.self.Endpoint()
			return result
		}
		result.OK = true
		result.Files = files
		result.Payload = strings.Join(files, ",")

	case wire.OpPut:
		n.ring.PutValue(op.Key, op.Value)
		result.OK = true
		result.Payload = op.Value

	case wire.OpGet:
		var value, ok = n.ring.GetValue(op.Key)
		if !ok {
			result.Payload = fmt.Sprintf("FAIL:%d", op.Key)
			return result
		}
		result.OK = true
		result.Payload = value

	default:
		n.logger.Warn("unknown operation", "op", op.Op, "id", op.ID)
		result.Payload = "FAIL:unknown operation " + string(op.Op)
	}

	return result
}

func (n *Node) handleResult(_ context.Context, env *wire.Envelope) error {
	if env.Result == nil {
		return n.drop(env, "missing result payload")
	}
	n.complete(*env.Result)
	return nil
}

// complete hands a result to the caller waiting for it.
func (n *Node) complete(result wire.Result) {
	n.mu.Lock()
	var ch, exists = n.pending[result.ID]
	delete(n.pending, result.ID)
	n.mu.Unlock()

	if !exists {
		n.logger.Warn("result for unknown operation", "id", result.ID, "op", result.Op)
		return
	}
	ch <- result
}
