package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/pubflow/pkg/api"
)

// MongoInstanceStore is an InstanceStore backed by a MongoDB collection.
// ClaimWaiting relies on FindOneAndUpdate, which is atomic per document.
type MongoInstanceStore struct {
	coll *mongo.Collection
}

// Ensure it implements InstanceStore.
var _ InstanceStore = (*MongoInstanceStore)(nil)

// NewMongoInstanceStore creates a Mongo-backed instance store.
// dbName defaults to "pubflow" if empty, collName defaults to "instances".
func NewMongoInstanceStore(client *mongo.Client, dbName, collName string) *MongoInstanceStore {
	if dbName == "" {
		dbName = "pubflow"
	}
	if collName == "" {
		collName = "instances"
	}

	coll := client.Database(dbName).Collection(collName)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "resume_token", Value: 1}}})

	return &MongoInstanceStore{coll: coll}
}

type mongoInstanceDoc struct {
	ID          string    `bson:"_id"`
	Workflow    string    `bson:"workflow_name"`
	Version     string    `bson:"workflow_version"`
	Status      string    `bson:"status"`
	CurrentStep string    `bson:"current_step"`
	Input       []byte    `bson:"input,omitempty"`
	Output      []byte    `bson:"output,omitempty"`
	Pending     []byte    `bson:"pending,omitempty"`
	ResumeToken string    `bson:"resume_token"`
	Outcome     string    `bson:"outcome"`
	Error       string    `bson:"error,omitempty"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

func toMongoDoc(inst *api.WorkflowInstance) (mongoInstanceDoc, error) {
	row, err := encodeInstanceRow(inst)
	if err != nil {
		return mongoInstanceDoc{}, err
	}
	return mongoInstanceDoc{
		ID:          inst.ID,
		Workflow:    inst.Name,
		Version:     inst.Version,
		Status:      string(inst.Status),
		CurrentStep: inst.CurrentStep,
		Input:       row.input,
		Output:      row.output,
		Pending:     row.pending,
		ResumeToken: inst.ResumeToken,
		Outcome:     string(inst.Outcome),
		Error:       errorText(inst.Err),
		CreatedAt:   inst.CreatedAt,
		UpdatedAt:   inst.UpdatedAt,
	}, nil
}

func (d mongoInstanceDoc) toInstance() (*api.WorkflowInstance, error) {
	inst := &api.WorkflowInstance{
		ID:          d.ID,
		Name:        d.Workflow,
		Version:     d.Version,
		Status:      api.Status(d.Status),
		CurrentStep: d.CurrentStep,
		ResumeToken: d.ResumeToken,
		Outcome:     api.Outcome(d.Outcome),
		Err:         errorFromText(d.Error),
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}

	var err error
	if inst.Input, err = DecodeValue[any](d.Input); err != nil {
		return nil, err
	}
	if inst.Output, err = DecodeValue[any](d.Output); err != nil {
		return nil, err
	}
	if inst.Pending, err = DecodeValue[any](d.Pending); err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *MongoInstanceStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	doc, err := toMongoDoc(inst)
	if err != nil {
		return err
	}
	_, err = s.coll.InsertOne(ctx, doc)
	return err
}

func (s *MongoInstanceStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	doc, err := toMongoDoc(inst)
	if err != nil {
		return err
	}

	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": inst.ID}, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *MongoInstanceStore) findOne(ctx context.Context, filter bson.M, notFound error) (*api.WorkflowInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var doc mongoInstanceDoc
	if err := s.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, notFound
		}
		return nil, err
	}
	return doc.toInstance()
}

func (s *MongoInstanceStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	return s.findOne(ctx, bson.M{"_id": id}, ErrInstanceNotFound)
}

func (s *MongoInstanceStore) FindByToken(ctx context.Context, token string) (*api.WorkflowInstance, error) {
	if token == "" {
		return nil, ErrTokenNotFound
	}
	return s.findOne(ctx, bson.M{"resume_token": token}, ErrTokenNotFound)
}

func (s *MongoInstanceStore) ClaimWaiting(ctx context.Context, token string) (*api.WorkflowInstance, error) {
	if token == "" {
		return nil, ErrTokenNotFound
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	filter := bson.M{"resume_token": token, "status": string(api.StatusWaiting)}
	update := bson.M{"$set": bson.M{
		"status":     string(api.StatusRunning),
		"updated_at": time.Now().UTC(),
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc mongoInstanceDoc
	err := s.coll.FindOneAndUpdate(cctx, filter, update, opts).Decode(&doc)
	if err == nil {
		return doc.toInstance()
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}

	if _, err := s.FindByToken(ctx, token); err != nil {
		return nil, err
	}
	return nil, ErrStaleToken
}

func (s *MongoInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	bfilter := bson.M{}
	if filter.WorkflowName != "" {
		bfilter["workflow_name"] = filter.WorkflowName
	}
	if filter.Status != "" {
		bfilter["status"] = string(filter.Status)
	}

	cur, err := s.coll.Find(ctx, bfilter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var results []*api.WorkflowInstance
	for cur.Next(ctx) {
		var doc mongoInstanceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		inst, err := doc.toInstance()
		if err != nil {
			return nil, err
		}
		results = append(results, inst)
	}
	return results, cur.Err()
}
