package mongo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/troupe/runtime/refcode"
)

type fakeCollection struct {
	mu        sync.Mutex
	docs      map[string]sequenceDocument
	upserted  bool
	findErr   error
	updateErr error
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]sequenceDocument)}
}

var _ collection = (*fakeCollection)(nil)

func (c *fakeCollection) FindOne(ctx context.Context, filter any, _ ...*options.FindOneOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.findErr != nil {
		return fakeSingleResult{err: c.findErr}
	}
	doc, ok := c.docs[docKey(filter)]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	return fakeSingleResult{doc: doc}
}

func (c *fakeCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updateErr != nil {
		return nil, c.updateErr
	}
	for _, o := range opts {
		if o.Upsert != nil && *o.Upsert {
			c.upserted = true
		}
	}
	key := docKey(filter)
	doc := c.docs[key]
	doc.ID = key
	set, _ := update.(bson.M)["$set"].(bson.M)
	if v, ok := set["year"].(int); ok {
		doc.Year = v
	}
	if v, ok := set["month"].(int); ok {
		doc.Month = v
	}
	if v, ok := set["day"].(int); ok {
		doc.Day = v
	}
	if v, ok := set["seq"].(int); ok {
		doc.Seq = v
	}
	if v, ok := set["updated_at"].(time.Time); ok {
		doc.UpdatedAt = v
	}
	c.docs[key] = doc
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

type fakeSingleResult struct {
	doc sequenceDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	dest, ok := val.(*sequenceDocument)
	if !ok {
		return errors.New("unsupported decode target")
	}
	*dest = r.doc
	return nil
}

func docKey(filter any) string {
	id, _ := filter.(bson.M)["_id"].(string)
	return id
}

func mustNewTestStore() (*Store, *fakeCollection) {
	fc := newFakeCollection()
	return newStoreWithCollection(nil, fc, "", time.Second), fc
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.EqualError(t, err, "mongo client is required")

	_, err = New(Options{Client: &mongodriver.Client{}})
	require.EqualError(t, err, "database name is required")
}

func TestLoadWithoutState(t *testing.T) {
	store, _ := mustNewTestStore()

	date, seq, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, date.IsZero())
	assert.Zero(t, seq)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, fc := mustNewTestStore()

	day := refcode.DateOf(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	require.NoError(t, store.Save(ctx, day, 41))
	assert.True(t, fc.upserted, "save must upsert so the first save creates the document")

	date, seq, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, day, date)
	assert.Equal(t, 41, seq)
}

func TestSaveOverwrites(t *testing.T) {
	ctx := context.Background()
	store, _ := mustNewTestStore()

	day := refcode.DateOf(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	require.NoError(t, store.Save(ctx, day, 1))
	next := refcode.DateOf(time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC))
	require.NoError(t, store.Save(ctx, next, 1))

	date, seq, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, next, date)
	assert.Equal(t, 1, seq)
}

func TestLoadSurfacesMongoFailure(t *testing.T) {
	store, fc := mustNewTestStore()
	fc.findErr = errors.New("server selection timeout")

	_, _, err := store.Load(context.Background())
	require.ErrorContains(t, err, "load sequence")
	require.ErrorContains(t, err, "server selection timeout")
}

func TestSaveSurfacesMongoFailure(t *testing.T) {
	store, fc := mustNewTestStore()
	fc.updateErr = errors.New("server selection timeout")

	day := refcode.DateOf(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	err := store.Save(context.Background(), day, 1)
	require.ErrorContains(t, err, "save sequence")
}

func TestStoreName(t *testing.T) {
	store, _ := mustNewTestStore()
	assert.Equal(t, "sequence-mongo", store.Name())
}
