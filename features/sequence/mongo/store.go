// Package mongo persists reference code sequence state in MongoDB. The state
// is one document per generator, upserted on every save, so deployments that
// already run Mongo get durable daily sequences without adding Redis.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/troupe/runtime/refcode"
)

const (
	defaultCollection = "refcode_sequence"
	defaultDocumentID = "refcode"
	defaultTimeout    = 5 * time.Second
	storeName         = "sequence-mongo"
)

type (
	// Options configures the store.
	Options struct {
		// Client is the connected MongoDB client. Required.
		Client *mongodriver.Client
		// Database names the database holding the sequence document.
		// Required.
		Database string
		// Collection names the collection. Defaults to "refcode_sequence".
		Collection string
		// DocumentID keys the sequence document, letting several
		// generators share one collection. Defaults to "refcode".
		DocumentID string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
	}

	// Store is the MongoDB-backed implementation of refcode.SequenceStore.
	Store struct {
		mongo   *mongodriver.Client
		coll    collection
		docID   string
		timeout time.Duration
	}

	sequenceDocument struct {
		ID        string    `bson:"_id"`
		Year      int       `bson:"year"`
		Month     int       `bson:"month"`
		Day       int       `bson:"day"`
		Seq       int       `bson:"seq"`
		UpdatedAt time.Time `bson:"updated_at"`
	}
)

// New constructs the store. The Client and Database fields in opts are
// required; the rest default when unset.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	mcoll := opts.Client.Database(opts.Database).Collection(coll)
	return newStoreWithCollection(opts.Client, mongoCollection{coll: mcoll}, opts.DocumentID, opts.Timeout), nil
}

var (
	_ refcode.SequenceStore = (*Store)(nil)
	_ health.Pinger         = (*Store)(nil)
)

// Name identifies the store on health endpoints.
func (s *Store) Name() string {
	return storeName
}

// Ping reports Mongo connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Load returns the persisted day and sequence. A missing document means no
// state was ever saved and loads as the zero date.
func (s *Store) Load(ctx context.Context) (refcode.Date, int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc sequenceDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": s.docID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return refcode.Date{}, 0, nil
		}
		return refcode.Date{}, 0, fmt.Errorf("load sequence %q: %w", s.docID, err)
	}
	return refcode.Date{Year: doc.Year, Month: time.Month(doc.Month), Day: doc.Day}, doc.Seq, nil
}

// Save upserts the day and sequence.
func (s *Store) Save(ctx context.Context, date refcode.Date, seq int) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	update := bson.M{"$set": bson.M{
		"year":       date.Year,
		"month":      int(date.Month),
		"day":        date.Day,
		"seq":        seq,
		"updated_at": time.Now().UTC(),
	}}
	if _, err := s.coll.UpdateOne(ctx, bson.M{"_id": s.docID}, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("save sequence %q: %w", s.docID, err)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func newStoreWithCollection(client *mongodriver.Client, coll collection, docID string, timeout time.Duration) *Store {
	if docID == "" {
		docID = defaultDocumentID
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{mongo: client, coll: coll, docID: docID, timeout: timeout}
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}
