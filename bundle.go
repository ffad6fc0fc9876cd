package pubflow

import (
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/pubflow/internal/dlq"
	"github.com/petrijr/pubflow/internal/engine"
	"github.com/petrijr/pubflow/internal/eventbus"
	"github.com/petrijr/pubflow/internal/statusstore"
	"github.com/petrijr/pubflow/internal/taskqueue"
)

// NewSQLiteBundle constructs a durable Runner whose status records,
// change log, workflow instances, queued tasks and dead letters all live
// in the provided SQLite database. Events go to an in-memory bus; pass
// Components to NewRunner to use another one.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:pubflow.db?_pragma=journal_mode(WAL)")
//	db.SetMaxOpenConns(1)
//	runner, err := pubflow.NewSQLiteBundle(db, pubflow.DefaultConfig())
func NewSQLiteBundle(db *sql.DB, cfg Config) (*Runner, error) {
	store, err := statusstore.NewSQLiteStore(db, statusstore.WithShards(cfg.Feed.Shards))
	if err != nil {
		return nil, err
	}
	obs, metrics := newObserver(cfg)
	eng, err := engine.NewSQLiteEngineWithObserver(db, obs)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	dead, err := dlq.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}

	return NewRunner(cfg, Components{
		Store:       store,
		Engine:      eng,
		Queue:       q,
		DeadLetters: dead,
		Bus:         eventbus.NewMemoryBus(cfg.Bus.Source, cfg.logger()),
		Metrics:     metrics,
	})
}

// NewPostgresBundle is NewSQLiteBundle for PostgreSQL. db must use the pgx
// stdlib driver.
func NewPostgresBundle(db *sql.DB, cfg Config) (*Runner, error) {
	store, err := statusstore.NewPostgresStore(db, statusstore.WithShards(cfg.Feed.Shards))
	if err != nil {
		return nil, err
	}
	obs, metrics := newObserver(cfg)
	eng, err := engine.NewPostgresEngineWithObserver(db, obs)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}
	dead, err := dlq.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}

	return NewRunner(cfg, Components{
		Store:       store,
		Engine:      eng,
		Queue:       q,
		DeadLetters: dead,
		Bus:         eventbus.NewMemoryBus(cfg.Bus.Source, cfg.logger()),
		Metrics:     metrics,
	})
}

// NewRedisMongoBundle keeps status records, their change stream and the
// event bus in Redis, and workflow instances, queued tasks and dead
// letters in MongoDB. namespace ("pubflow" when empty) names the Mongo
// database and prefixes every Redis key.
func NewRedisMongoBundle(rdb *redis.Client, mdb *mongo.Client, namespace string, cfg Config) (*Runner, error) {
	if namespace == "" {
		namespace = "pubflow"
	}
	obs, metrics := newObserver(cfg)
	return NewRunner(cfg, Components{
		Store:       statusstore.NewRedisStore(rdb, namespace+":status:", statusstore.WithShards(cfg.Feed.Shards)),
		Engine:      engine.NewMongoEngineWithObserver(mdb, namespace, obs),
		Queue:       taskqueue.NewMongoQueue(mdb, namespace, "tasks"),
		DeadLetters: dlq.NewMongoStore(mdb, namespace, "dead_letters"),
		Bus: eventbus.NewRedisBus(rdb, eventbus.RedisBusConfig{
			Stream: namespace + ":events",
			Group:  namespace,
			Source: cfg.Bus.Source,
			Logger: cfg.logger(),
		}),
		Metrics: metrics,
	})
}
