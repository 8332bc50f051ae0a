// Package mongo implements the business context provider on MongoDB. Entries
// are small free-text documents under a text index; queries run the goal text
// through Mongo's $text search and return the best matches for the router to
// splice into triage.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/troupe/runtime/router"
)

const (
	defaultCollection = "business_context"
	defaultMaxEntries = 10
	defaultTimeout    = 5 * time.Second
	providerName      = "context-mongo"
)

type (
	// Options configures the provider.
	Options struct {
		// Client is the connected MongoDB client. Required.
		Client *mongodriver.Client
		// Database names the database holding context entries. Required.
		Database string
		// Collection names the collection. Defaults to "business_context".
		Collection string
		// MaxEntries caps how many entries one query returns. Defaults
		// to 10.
		MaxEntries int
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
	}

	// Provider is the MongoDB-backed implementation of
	// router.ContextProvider.
	Provider struct {
		mongo   *mongodriver.Client
		coll    collection
		limit   int
		timeout time.Duration
	}

	entryDocument struct {
		ID        string    `bson:"_id"`
		Content   string    `bson:"content"`
		Tags      []string  `bson:"tags,omitempty"`
		CreatedAt time.Time `bson:"created_at"`
	}
)

// New constructs the provider and ensures the text index exists. The Client
// and Database fields in opts are required.
func New(opts Options) (*Provider, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(collName)
	wrapper := mongoCollection{coll: mcoll}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, fmt.Errorf("ensure context indexes: %w", err)
	}
	return newProviderWithCollection(opts.Client, wrapper, opts.MaxEntries, timeout), nil
}

var (
	_ router.ContextProvider = (*Provider)(nil)
	_ health.Pinger          = (*Provider)(nil)
)

// Name identifies the provider on health endpoints.
func (p *Provider) Name() string {
	return providerName
}

// Ping reports Mongo connectivity.
func (p *Provider) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return p.mongo.Ping(ctx, readpref.Primary())
}

// Store upserts one context entry. Entries without an ID get a generated one
// and entries without a creation time are stamped now.
func (p *Provider) Store(ctx context.Context, entry router.Entry) error {
	if strings.TrimSpace(entry.Content) == "" {
		return errors.New("entry content is required")
	}
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	update := bson.M{"$set": bson.M{
		"content":    entry.Content,
		"tags":       entry.Tags,
		"created_at": createdAt.UTC(),
	}}
	if _, err := p.coll.UpdateOne(ctx, bson.M{"_id": id}, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("store context entry %q: %w", id, err)
	}
	return nil
}

// Query runs a text search over stored entries and returns the best matches,
// most relevant first. An empty query returns nothing.
func (p *Provider) Query(ctx context.Context, query string) ([]router.Entry, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"$text": bson.M{"$search": query}}
	opts := options.Find().
		SetProjection(bson.M{"score": bson.M{"$meta": "textScore"}}).
		SetSort(bson.D{{Key: "score", Value: bson.M{"$meta": "textScore"}}}).
		SetLimit(int64(p.limit))
	cur, err := p.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query context: %w", err)
	}
	defer cur.Close(ctx)

	var out []router.Entry
	for cur.Next(ctx) {
		var doc entryDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode context entry: %w", err)
		}
		out = append(out, router.Entry{
			ID:        doc.ID,
			Content:   doc.Content,
			Tags:      doc.Tags,
			CreatedAt: doc.CreatedAt,
		})
	}
	return out, nil
}

func (p *Provider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if p.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{{Key: "content", Value: "text"}, {Key: "tags", Value: "text"}},
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newProviderWithCollection(client *mongodriver.Client, coll collection, limit int, timeout time.Duration) *Provider {
	if limit <= 0 {
		limit = defaultMaxEntries
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Provider{mongo: client, coll: coll, limit: limit, timeout: timeout}
}

type collection interface {
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
