package dlq

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps entries in a MongoDB collection.
type MongoStore struct {
	coll *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore uses dbName (default "pubflow") and collName (default
// "dead_letters").
func NewMongoStore(client *mongo.Client, dbName, collName string) *MongoStore {
	if dbName == "" {
		dbName = "pubflow"
	}
	if collName == "" {
		collName = "dead_letters"
	}
	return &MongoStore{coll: client.Database(dbName).Collection(collName)}
}

type mongoEntry struct {
	ID       string    `bson:"_id"`
	Source   string    `bson:"source"`
	Reason   string    `bson:"reason"`
	Payload  []byte    `bson:"payload"`
	Error    string    `bson:"error"`
	Attempts int       `bson:"attempts"`
	FailedAt time.Time `bson:"failed_at"`
}

func (s *MongoStore) Push(ctx context.Context, e Entry) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.coll.InsertOne(ctx, mongoEntry{
		ID:       e.ID,
		Source:   e.Source,
		Reason:   string(e.Reason),
		Payload:  e.Payload,
		Error:    e.Error,
		Attempts: e.Attempts,
		FailedAt: e.FailedAt,
	})
	return err
}

func (s *MongoStore) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	filter := bson.M{}
	if opts.Source != "" {
		filter["source"] = opts.Source
	}
	if opts.Reason != "" {
		filter["reason"] = string(opts.Reason)
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "failed_at", Value: 1}, {Key: "_id", Value: 1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}

	cur, err := s.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []Entry
	for cur.Next(ctx) {
		var doc mongoEntry
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, Entry{
			ID:       doc.ID,
			Source:   doc.Source,
			Reason:   Reason(doc.Reason),
			Payload:  doc.Payload,
			Error:    doc.Error,
			Attempts: doc.Attempts,
			FailedAt: doc.FailedAt.UTC(),
		})
	}
	return out, cur.Err()
}

func (s *MongoStore) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	n, err := s.coll.CountDocuments(ctx, bson.M{})
	return int(n), err
}
