package database

import "time"

// MemberRecord represents a ring member registered with the rendezvous.
type MemberRecord struct {
	ClusterID string
	ChordID   int
	IP        string
	Port      int
	JoinedAt  time.Time
}
