package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoPollInterval = 100 * time.Millisecond

// MongoQueue keeps one document per task. The routing fields are stored
// next to the encoded task so operators can query a backlog by workflow or
// token without decoding payloads. A leased document carries its owner and
// lease expiry until Ack deletes it.
type MongoQueue struct {
	coll *mongo.Collection
	poll time.Duration
}

type mongoTask struct {
	ID         string    `bson:"_id"`
	Type       TaskType  `bson:"type"`
	Workflow   string    `bson:"workflow,omitempty"`
	Token      string    `bson:"token,omitempty"`
	Attempts   int       `bson:"attempts"`
	EnqueuedAt time.Time `bson:"enqueued_at"`
	NotBefore  time.Time `bson:"not_before"`
	Task       []byte    `bson:"task"`

	LeasedBy       string    `bson:"leased_by"`
	LeaseExpiresAt time.Time `bson:"lease_expires_at"`
}

var _ Queue = (*MongoQueue)(nil)

// NewMongoQueue stores tasks in dbName.collName ("pubflow"."tasks" when
// empty) and creates the due-time index.
func NewMongoQueue(client *mongo.Client, dbName, collName string) *MongoQueue {
	if dbName == "" {
		dbName = "pubflow"
	}
	if collName == "" {
		collName = "tasks"
	}
	q := &MongoQueue{
		coll: client.Database(dbName).Collection(collName),
		poll: mongoPollInterval,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := q.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "not_before", Value: 1}, {Key: "_id", Value: 1}},
	}); err != nil {
		slog.Warn("mongo queue index not created", "collection", collName, "error", err)
	}
	return q
}

func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, time.Now().UTC())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.coll.InsertOne(ctx, mongoTask{
		ID:         t.ID,
		Type:       t.Type,
		Workflow:   t.WorkflowName,
		Token:      t.Token,
		Attempts:   t.Attempts,
		EnqueuedAt: t.EnqueuedAt,
		NotBefore:  t.NotBefore,
		Task:       data,
	})
	if err != nil {
		return fmt.Errorf("mongo enqueue %s: %w", t.ID, err)
	}
	return nil
}

// Dequeue leases the earliest due task with FindOneAndUpdate, so two
// workers never hold the same document at once.
func (q *MongoQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	if owner == "" || leaseTTL <= 0 {
		return nil, errors.New("taskqueue: dequeue needs an owner and a positive lease")
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "_id", Value: 1}}).
		SetProjection(bson.M{"task": 1})

	for {
		now := time.Now().UTC()
		filter := bson.M{
			"not_before":       bson.M{"$lte": now},
			"lease_expires_at": bson.M{"$lte": now},
		}
		update := bson.M{"$set": bson.M{"leased_by": owner, "lease_expires_at": now.Add(leaseTTL)}}

		var doc mongoTask
		err := q.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		switch {
		case err == nil:
			return DecodeTask(doc.Task)
		case !errors.Is(err, mongo.ErrNoDocuments):
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.poll):
		}
	}
}

func (q *MongoQueue) Ack(ctx context.Context, taskID, owner string) error {
	res, err := q.coll.DeleteOne(ctx, bson.M{"_id": taskID, "leased_by": owner})
	if err != nil {
		return fmt.Errorf("mongo ack %s: %w", taskID, err)
	}
	if res.DeletedCount == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *MongoQueue) Nack(ctx context.Context, t Task, owner string) error {
	t = prepare(t, time.Now().UTC())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	res, err := q.coll.UpdateOne(ctx,
		bson.M{"_id": t.ID, "leased_by": owner},
		bson.M{"$set": bson.M{
			"attempts":         t.Attempts,
			"not_before":       t.NotBefore,
			"task":             data,
			"leased_by":        "",
			"lease_expires_at": time.Time{},
		}},
	)
	if err != nil {
		return fmt.Errorf("mongo nack %s: %w", t.ID, err)
	}
	if res.MatchedCount == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.EstimatedDocumentCount(ctx)
	if err != nil {
		slog.Warn("mongo queue length unavailable", "error", err)
		return 0
	}
	return int(n)
}

// Pending counts queued tasks for one workflow.
func (q *MongoQueue) Pending(ctx context.Context, workflow string) (int64, error) {
	return q.coll.CountDocuments(ctx, bson.M{"workflow": workflow})
}
