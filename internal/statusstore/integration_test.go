package statusstore

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/pubflow/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	dsn := testutil.GetPostgresEndpoint(t)

	suite.Run(t, &StoreSuite{newStore: func(t *testing.T, opts ...Option) feedStore {
		db, err := sql.Open("pgx", dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })

		store, err := NewPostgresStore(db, opts...)
		require.NoError(t, err)
		_, err = db.Exec("TRUNCATE TABLE status_records, status_changes, feed_cursors, feed_redeliveries RESTART IDENTITY")
		require.NoError(t, err)
		return store
	}})
}

func TestRedisStore(t *testing.T) {
	addr := testutil.GetRedisAddress(t)

	suite.Run(t, &StoreSuite{newStore: func(t *testing.T, opts ...Option) feedStore {
		client := redis.NewClient(&redis.Options{Addr: addr})
		t.Cleanup(func() { _ = client.Close() })
		require.NoError(t, client.Ping(context.Background()).Err())

		return NewRedisStore(client, "pubflow:test:"+uuid.NewString()+":", opts...)
	}})
}
