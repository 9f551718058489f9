package servent

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-servent/database"
	"go-servent/transport"
	"go-servent/wire"
)

func TestIntegration(t *testing.T) {
	const testClusterID = "test_cluster"

	var (
		newDb = func(t *testing.T) *sql.DB {
			return database.SetupTestDatabase(t)
		}
		newCtx = func() context.Context {
			return context.Background()
		}
		newRendezvous = func(t *testing.T, db *sql.DB) *SQLRendezvous {
			var rv, err = NewSQLRendezvous(db, testClusterID)
			require.NoError(t, err)
			return rv
		}
	)

	t.Run("should bootstrap the first servent and register it", func(t *testing.T) {
		t.Parallel()

		var (
			db      = newDb(t)
			ctx     = newCtx()
			rv      = newRendezvous(t, db)
			queries = database.NewQueries(db, testClusterID)
			self    = testNode(1)
		)

		contact, err := rv.Hail(ctx, self)
		require.NoError(t, err)
		assert.Nil(t, contact, "empty registry starts a new ring")

		require.NoError(t, rv.Confirm(ctx, self))

		members, err := queries.ListMembers(ctx, testClusterID)
		require.NoError(t, err)
		require.Len(t, members, 1)
		assert.Equal(t, 1, members[0].ChordID)
		assert.Equal(t, self.Port, members[0].Port)
	})

	t.Run("should join servents through the registry", func(t *testing.T) {
		t.Parallel()

		var (
			db      = newDb(t)
			ctx     = newCtx()
			rv      = newRendezvous(t, db)
			network = transport.NewMemory()
			peers   = []wire.NodeInfo{testNode(1), testNode(5)}
			nodes   []*Node
		)
		for i, peer := range peers {
			node, err := NewNode(peer, i, peers, network, rv, WithRingSize(8))
			require.NoError(t, err)
			network.Register(peer.Endpoint(), node)
			nodes = append(nodes, node)
		}

		require.NoError(t, nodes[0].Start(ctx))
		require.NoError(t, nodes[1].Start(ctx))

		assert.Eventually(t, func() bool {
			return len(nodes[0].Ring().Members()) == 1 && len(nodes[1].Ring().Members()) == 1
		}, waitFor, tick)

		result, err := nodes[0].Put(ctx, 3, "three")
		require.NoError(t, err)
		assert.Equal(t, []int{1, 5}, result.Trail)

		require.NoError(t, nodes[1].Leave(ctx))
		network.Unregister(peers[1].Endpoint())

		var queries = database.NewQueries(db, testClusterID)
		members, err := queries.ListMembers(ctx, testClusterID)
		require.NoError(t, err)
		require.Len(t, members, 1, "leaving servent is deregistered")
		assert.Equal(t, 1, members[0].ChordID)

		assert.Eventually(t, func() bool {
			return len(nodes[0].Ring().Members()) == 0
		}, waitFor, tick)
		require.NoError(t, nodes[0].Leave(ctx))
	})

	t.Run("should reject a chord id registered to another endpoint", func(t *testing.T) {
		t.Parallel()

		var (
			db        = newDb(t)
			ctx       = newCtx()
			rv        = newRendezvous(t, db)
			duplicate = wire.NodeInfo{IP: "localhost", Port: 2001, ChordID: 1}
		)
		require.NoError(t, rv.Confirm(ctx, testNode(1)))

		_, hailErr := rv.Hail(ctx, duplicate)
		confirmErr := rv.Confirm(ctx, duplicate)

		assert.ErrorIs(t, hailErr, ErrCollision)
		assert.ErrorIs(t, confirmErr, ErrCollision)
	})

	t.Run("should reject an endpoint registered under another chord id", func(t *testing.T) {
		t.Parallel()

		var (
			db    = newDb(t)
			ctx   = newCtx()
			rv    = newRendezvous(t, db)
			moved = wire.NodeInfo{IP: "localhost", Port: testNode(1).Port, ChordID: 5}
		)
		require.NoError(t, rv.Confirm(ctx, testNode(1)))

		err := rv.Confirm(ctx, moved)

		assert.ErrorIs(t, err, ErrCollision)
	})

	t.Run("should reject an invalid cluster id", func(t *testing.T) {
		t.Parallel()

		var db = newDb(t)

		_, err := NewSQLRendezvous(db, "Bad-Cluster")

		assert.ErrorIs(t, err, ErrInvalidClusterID)
	})
}
