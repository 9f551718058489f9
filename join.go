package servent

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go-servent/wire"
)

// Start joins the ring. It asks the rendezvous for a contact and, unless the
// ring is empty, waits for the joiner's successor to welcome it.
// The transport must already deliver inbound messages to the node.
func (n *Node) Start(ctx context.Context) error {
	var contact, err = n.rendezvous.Hail(ctx, n.self)
	if err != nil {
		return fmt.Errorf("failed to hail rendezvous: %w", err)
	}

	if contact == nil || contact.Equal(n.self) {
		if err := n.rendezvous.Confirm(ctx, n.self); err != nil {
			return fmt.Errorf("failed to confirm join: %w", err)
		}
		n.joined.Store(true)
		n.metrics.setMembers(0)
		n.logger.Info("first servent on the ring")
		return nil
	}

	n.logger.Info("joining ring", "contact", contact.String())
	n.send(*contact, &wire.Envelope{
		Kind:    wire.KindNewNode,
		NewNode: &wire.NewNode{Joiner: n.self},
	})

	if err := n.waitForWelcome(ctx); err != nil {
		return fmt.Errorf("failed to join ring: %w", err)
	}

	if err := n.rendezvous.Confirm(ctx, n.self); err != nil {
		return fmt.Errorf("failed to confirm join: %w", err)
	}
	n.joined.Store(true)

	var successor, _ = n.ring.Successor()
	n.send(successor, &wire.Envelope{
		Kind:   wire.KindUpdate,
		Update: &wire.Update{Origin: n.self},
	})

	n.logger.Info("joined ring", "successor", successor.String())
	return nil
}

func (n *Node) waitForWelcome(ctx context.Context) error {
	var timer = time.NewTimer(n.options.joinTimeout)
	defer timer.Stop()

	select {
	case err := <-n.joinCh:
		return err
	case <-timer.C:
		return fmt.Errorf("no welcome within %v", n.options.joinTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// signalJoin reports the outcome of a join attempt without blocking.
func (n *Node) signalJoin(err error) {
	select {
	case n.joinCh <- err:
	default:
		n.logger.Warn("unexpected join reply", "error", err)
	}
}

// Leave hands the token on if anyone is waiting for it, tells both neighbours
// about each other and departs from the rendezvous.
func (n *Node) Leave(ctx context.Context) error {
	if n.mutex.HandOff() {
		n.logger.Warn("leaving while holding the token")
	}

	var (
		predecessor, hasPredecessor = n.ring.Predecessor()
		successor, hasSuccessor     = n.ring.Successor()
	)

	if hasSuccessor {
		var leave = wire.Leave{}
		if hasPredecessor {
			leave.Replacement = &predecessor
		}
		n.send(successor, &wire.Envelope{Kind: wire.KindLeave, Leave: &leave})
	}
	if hasPredecessor {
		var leave = wire.Leave{}
		if hasSuccessor {
			leave.Replacement = &successor
		}
		n.send(predecessor, &wire.Envelope{Kind: wire.KindLeave, Leave: &leave})
	}

	n.joined.Store(false)

	var departErr = n.rendezvous.Depart(ctx, n.self)
	n.outbox.close(ctx)

	if departErr != nil {
		return fmt.Errorf("failed to depart from rendezvous: %w", departErr)
	}

	n.logger.Info("left ring")
	return nil
}

// handleNewNode welcomes a joiner whose id this node owns, refuses a
// colliding one, and forwards everything else towards the joiner's successor.
func (n *Node) handleNewNode(_ context.Context, env *wire.Envelope) error {
	if env.NewNode == nil {
		return n.drop(env, "missing new node payload")
	}
	var joiner = env.NewNode.Joiner

	if n.ring.IsCollision(joiner.ChordID) {
		n.logger.Warn("refusing joiner with colliding chord id", "joiner", joiner.String())
		n.send(joiner, &wire.Envelope{Kind: wire.KindSorry})
		return nil
	}

	var next, mine = n.ring.NextHopFor(joiner.ChordID)
	if !mine {
		n.send(next, &wire.Envelope{Kind: wire.KindNewNode, NewNode: &wire.NewNode{Joiner: joiner}})
		return nil
	}

	var values = n.ring.HandOverValues(joiner.ChordID)
	n.ring.AddMembers([]wire.NodeInfo{joiner})
	n.metrics.setMembers(len(n.ring.Members()))

	n.logger.Info("welcoming new servent", "joiner", joiner.String(), "values", len(values))
	n.send(joiner, &wire.Envelope{Kind: wire.KindWelcome, Welcome: &wire.Welcome{Values: values}})
	return nil
}

func (n *Node) handleWelcome(_ context.Context, env *wire.Envelope) error {
	if env.Welcome == nil {
		return n.drop(env, "missing welcome payload")
	}
	n.ring.Init(env.From, env.Welcome.Values)
	n.signalJoin(nil)
	return nil
}

func (n *Node) handleSorry(_ context.Context, env *wire.Envelope) error {
	n.signalJoin(fmt.Errorf("%w: %d", ErrCollision, n.self.ChordID))
	return nil
}

// handleUpdate adds the update's origin and passes the update on with this
// node appended. Back at the origin, the collected members are adopted.
func (n *Node) handleUpdate(_ context.Context, env *wire.Envelope) error {
	if env.Update == nil {
		return n.drop(env, "missing update payload")
	}
	var update = *env.Update

	if update.Origin.Equal(n.self) {
		n.ring.AddMembers(update.Members)
		n.metrics.setMembers(len(n.ring.Members()))
		n.logger.Info("ring membership collected", "members", len(update.Members))
		return nil
	}

	n.ring.AddMembers([]wire.NodeInfo{update.Origin})
	n.metrics.setMembers(len(n.ring.Members()))

	update.Members = append(slices.Clone(update.Members), n.self)

	var successor, ok = n.ring.Successor()
	if !ok {
		n.logger.Warn("no successor to pass update to", "origin", update.Origin.String())
		return nil
	}
	n.send(successor, &wire.Envelope{Kind: wire.KindUpdate, Update: &update})
	return nil
}

// handleLeave drops the leaving sender and adopts the neighbour it carried.
func (n *Node) handleLeave(_ context.Context, env *wire.Envelope) error {
	if env.Leave == nil {
		return n.drop(env, "missing leave payload")
	}
	var replacement = env.Leave.Replacement

	if replacement != nil && !replacement.Equal(n.self) && !replacement.Equal(env.From) {
		n.ring.AddMembers([]wire.NodeInfo{*replacement})
	}

	var wasPredecessor, wasSuccessor = n.ring.RemoveMember(env.From)
	if wasPredecessor && replacement != nil && !replacement.Equal(n.self) {
		n.ring.SetPredecessor(replacement)
	}
	n.metrics.setMembers(len(n.ring.Members()))

	n.logger.Info("servent left the ring",
		"leaver", env.From.String(),
		"was_predecessor", wasPredecessor,
		"was_successor", wasSuccessor)
	return nil
}
