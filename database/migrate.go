package database

import (
	"database/sql"
	"fmt"
)

var (
	createMembersTableSQL = `
CREATE TABLE IF NOT EXISTS %s_members (
    cluster_id    VARCHAR       NOT NULL,
    chord_id      INTEGER       NOT NULL,
    ip            VARCHAR       NOT NULL,
    port          INTEGER       NOT NULL,
    joined_at     TIMESTAMPTZ   NOT NULL,

    PRIMARY KEY (cluster_id, chord_id)
);`

	createMembersEndpointIndexSQL = `
CREATE UNIQUE INDEX IF NOT EXISTS %s
ON %s_members (cluster_id, ip, port);`
)

// Migrate creates the members table with its indexes.
func Migrate(db *sql.DB, tableName string) error {
	if err := createMembersTable(db, tableName); err != nil {
		return err
	}

	if err := createMembersEndpointIndex(db, tableName); err != nil {
		return err
	}

	return nil
}

func createMembersTable(db *sql.DB, tableName string) error {
	var query = fmt.Sprintf(createMembersTableSQL, tableName)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create members table: %w", err)
	}
	return nil
}

func createMembersEndpointIndex(db *sql.DB, tableName string) error {
	var (
		indexName = fmt.Sprintf("%s_members_endpoint_idx", tableName)
		query     = fmt.Sprintf(createMembersEndpointIndexSQL, indexName, tableName)
	)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create members endpoint index: %w", err)
	}
	return nil
}
