package servent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"time"

	"go-servent/database"
	"go-servent/wire"
)

var (
	// ErrInvalidClusterID is returned when the cluster id contains invalid characters
	ErrInvalidClusterID = errors.New("cluster id must contain only lowercase letters, numbers, and underscores, and start with a letter")

	// validClusterIDPattern validates PostgreSQL-safe identifiers
	validClusterIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// ValidateClusterID checks if the cluster id is valid for use as a PostgreSQL identifier.
func ValidateClusterID(clusterID string) error {
	if clusterID == "" {
		return errors.New("cluster id cannot be empty")
	}

	if len(clusterID) > 63 {
		return errors.New("cluster id must be 63 characters or less")
	}

	if !validClusterIDPattern.MatchString(clusterID) {
		return ErrInvalidClusterID
	}

	return nil
}

// StaticRendezvous always points joiners at one fixed seed servent.
// The seed itself starts a new ring.
type StaticRendezvous struct {
	seed wire.NodeInfo
}

// NewStaticRendezvous creates a rendezvous that seeds every join from seed.
func NewStaticRendezvous(seed wire.NodeInfo) *StaticRendezvous {
	return &StaticRendezvous{seed: seed}
}

func (s *StaticRendezvous) Hail(_ context.Context, self wire.NodeInfo) (*wire.NodeInfo, error) {
	if self.Equal(s.seed) {
		return nil, nil
	}
	var seed = s.seed
	return &seed, nil
}

func (s *StaticRendezvous) Confirm(context.Context, wire.NodeInfo) error {
	return nil
}

func (s *StaticRendezvous) Depart(context.Context, wire.NodeInfo) error {
	return nil
}

// SQLRendezvous keeps the member registry of a cluster in PostgreSQL.
// Hail answers with a random registered member and rejects an id already
// registered to another endpoint.
type SQLRendezvous struct {
	clusterID string
	queries   *database.Queries
}

// NewSQLRendezvous migrates the member table for clusterID and returns a rendezvous backed by it.
func NewSQLRendezvous(db *sql.DB, clusterID string) (*SQLRendezvous, error) {
	if err := ValidateClusterID(clusterID); err != nil {
		return nil, fmt.Errorf("invalid cluster id: %w", err)
	}

	if err := database.Migrate(db, clusterID); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &SQLRendezvous{
		clusterID: clusterID,
		queries:   database.NewQueries(db, clusterID),
	}, nil
}

func (s *SQLRendezvous) Hail(ctx context.Context, self wire.NodeInfo) (*wire.NodeInfo, error) {
	var records, err = s.queries.ListMembers(ctx, s.clusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}

	var contacts = make([]wire.NodeInfo, 0, len(records))
	for _, record := range records {
		var member = wire.NodeInfo{IP: record.IP, Port: record.Port, ChordID: record.ChordID}
		if member.Equal(self) {
			continue
		}
		if member.ChordID == self.ChordID {
			return nil, fmt.Errorf("%w: %d held by %s", ErrCollision, self.ChordID, member.Endpoint())
		}
		contacts = append(contacts, member)
	}

	if len(contacts) == 0 {
		return nil, nil
	}

	var contact = contacts[rand.IntN(len(contacts))]
	return &contact, nil
}

func (s *SQLRendezvous) Confirm(ctx context.Context, self wire.NodeInfo) error {
	var record = &database.MemberRecord{
		ClusterID: s.clusterID,
		ChordID:   self.ChordID,
		IP:        self.IP,
		Port:      self.Port,
		JoinedAt:  time.Now(),
	}

	if err := s.queries.SetMember(ctx, record); err != nil {
		if errors.Is(err, database.ErrMemberConflict) {
			return fmt.Errorf("%w: %v", ErrCollision, err)
		}
		return fmt.Errorf("failed to register member: %w", err)
	}
	return nil
}

func (s *SQLRendezvous) Depart(ctx context.Context, self wire.NodeInfo) error {
	if err := s.queries.DeleteMember(ctx, s.clusterID, self.ChordID, self.IP, self.Port); err != nil {
		return fmt.Errorf("failed to deregister member: %w", err)
	}
	return nil
}
