package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// DBTX is an interface that both sql.DB and sql.Tx implement.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Queries provides table-aware database operations.
type Queries struct {
	db        DBTX
	tableName string
}

// NewQueries creates a new Queries instance with the given table name.
func NewQueries(db DBTX, tableName string) *Queries {
	return &Queries{
		db:        db,
		tableName: tableName,
	}
}

var (
	listMembersSQL = `
SELECT cluster_id, chord_id, ip, port, joined_at
FROM %s_members
WHERE cluster_id = $1
ORDER BY chord_id ASC;`

	getMemberSQL = `
SELECT cluster_id, chord_id, ip, port, joined_at
FROM %s_members
WHERE cluster_id = $1 AND chord_id = $2;`

	setMemberSQL = `
INSERT INTO %s_members (cluster_id, chord_id, ip, port, joined_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (cluster_id, chord_id)
DO UPDATE SET
    joined_at = EXCLUDED.joined_at
WHERE %s_members.ip = EXCLUDED.ip AND %s_members.port = EXCLUDED.port;`

	deleteMemberSQL = `
DELETE FROM %s_members
WHERE cluster_id = $1 AND chord_id = $2 AND ip = $3 AND port = $4;`
)

// ErrMemberConflict is returned when a chord id is registered to another
// endpoint, or the endpoint is registered under another chord id.
var ErrMemberConflict = errors.New("chord id or endpoint registered to another member")

// uniqueViolation is the PostgreSQL error code for a unique index violation.
const uniqueViolation = pq.ErrorCode("23505")

// ListMembers returns all members of a cluster, ordered by chord id.
func (q *Queries) ListMembers(ctx context.Context, clusterID string) ([]*MemberRecord, error) {
	var (
		query     = fmt.Sprintf(listMembersSQL, q.tableName)
		rows, err = q.db.QueryContext(ctx, query, clusterID)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []*MemberRecord
	for rows.Next() {
		var member MemberRecord
		if err := rows.Scan(&member.ClusterID, &member.ChordID, &member.IP, &member.Port, &member.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, &member)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return members, nil
}

// GetMember retrieves a single member by chord id, or nil if none is registered.
func (q *Queries) GetMember(ctx context.Context, clusterID string, chordID int) (*MemberRecord, error) {
	var (
		query  = fmt.Sprintf(getMemberSQL, q.tableName)
		member MemberRecord
		err    = q.db.QueryRowContext(ctx, query, clusterID, chordID).Scan(
			&member.ClusterID, &member.ChordID, &member.IP, &member.Port, &member.JoinedAt,
		)
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}

	return &member, nil
}

// SetMember registers a member. Re-registering the same endpoint refreshes
// joined_at; registering a taken chord id for another endpoint, or a taken
// endpoint under another chord id, fails with ErrMemberConflict.
func (q *Queries) SetMember(ctx context.Context, member *MemberRecord) error {
	var query = fmt.Sprintf(setMemberSQL, q.tableName, q.tableName, q.tableName)
	result, err := q.db.ExecContext(ctx, query,
		member.ClusterID, member.ChordID, member.IP, member.Port, member.JoinedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s:%d: %w", member.IP, member.Port, ErrMemberConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to set member: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set member: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("chord id %d: %w", member.ChordID, ErrMemberConflict)
	}
	return nil
}

// DeleteMember removes a member, but only if it is still registered to the given endpoint.
func (q *Queries) DeleteMember(ctx context.Context, clusterID string, chordID int, ip string, port int) error {
	var query = fmt.Sprintf(deleteMemberSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query, clusterID, chordID, ip, port)
	if err != nil {
		return fmt.Errorf("failed to delete member: %w", err)
	}
	return nil
}
