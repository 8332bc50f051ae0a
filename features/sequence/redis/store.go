// Package redis persists reference code sequence state in Redis so every
// node handing out codes against the same instance continues the same daily
// sequence. State lives under a single key as a small JSON document.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/troupe/runtime/refcode"
)

const defaultKey = "troupe:refcode:sequence"

type (
	// Commands is the subset of go-redis commands the store issues. It is
	// satisfied by *redis.Client.
	Commands interface {
		Get(ctx context.Context, key string) *goredis.StringCmd
		Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	}

	// Options configures the store.
	Options struct {
		// Client issues the Redis commands. Required.
		Client Commands
		// Key names the Redis key holding the state. Defaults to
		// "troupe:refcode:sequence".
		Key string
	}

	// Store is the Redis-backed implementation of refcode.SequenceStore.
	Store struct {
		client Commands
		key    string
	}

	state struct {
		Year  int `json:"year"`
		Month int `json:"month"`
		Day   int `json:"day"`
		Seq   int `json:"seq"`
	}
)

// New constructs the store. The Client field in opts is required.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	key := opts.Key
	if key == "" {
		key = defaultKey
	}
	return &Store{client: opts.Client, key: key}, nil
}

var _ refcode.SequenceStore = (*Store)(nil)

// Load returns the persisted day and sequence. A missing key means no state
// was ever saved and loads as the zero date.
func (s *Store) Load(ctx context.Context) (refcode.Date, int, error) {
	val, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, goredis.Nil) {
		return refcode.Date{}, 0, nil
	}
	if err != nil {
		return refcode.Date{}, 0, fmt.Errorf("load sequence %q: %w", s.key, err)
	}
	var st state
	if err := json.Unmarshal([]byte(val), &st); err != nil {
		return refcode.Date{}, 0, fmt.Errorf("decode sequence %q: %w", s.key, err)
	}
	return refcode.Date{Year: st.Year, Month: time.Month(st.Month), Day: st.Day}, st.Seq, nil
}

// Save persists the day and sequence.
func (s *Store) Save(ctx context.Context, date refcode.Date, seq int) error {
	b, err := json.Marshal(state{Year: date.Year, Month: int(date.Month), Day: date.Day, Seq: seq})
	if err != nil {
		return fmt.Errorf("encode sequence %q: %w", s.key, err)
	}
	if err := s.client.Set(ctx, s.key, string(b), 0).Err(); err != nil {
		return fmt.Errorf("save sequence %q: %w", s.key, err)
	}
	return nil
}
