package servent

// simulateCrash stops all outbound traffic without leaving the ring (for testing).
func (n *Node) simulateCrash() {
	n.joined.Store(false)
	n.outbox.cancel()
}
