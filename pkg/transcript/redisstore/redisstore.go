// Package redisstore persists transcripts as Redis lists, one JSON entry per
// element.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cexll/sessionkit/pkg/transcript"
)

const defaultPrefix = "sessionkit:transcript:"

// Store implements transcript.Store on Redis.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ transcript.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithTTL expires idle transcripts; every append refreshes the deadline.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// New returns a Store using rdb.
func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: rdb, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(sessionID string) string { return s.prefix + sessionID }

// Load reads every entry of a session in append order.
func (s *Store) Load(ctx context.Context, sessionID string) ([]transcript.Entry, error) {
	raw, err := s.rdb.LRange(ctx, s.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: load %s: %w", sessionID, err)
	}
	entries := make([]transcript.Entry, 0, len(raw))
	for i, item := range raw {
		var e transcript.Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("redisstore: decode entry %d of %s: %w", i, sessionID, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Append pushes entries in a single MULTI/EXEC so concurrent readers never
// see half of a batch.
func (s *Store) Append(ctx context.Context, sessionID string, entries ...transcript.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	values := make([]any, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("redisstore: encode entry %s: %w", e.ID, err)
		}
		values = append(values, data)
	}
	key := s.key(sessionID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: append %s: %w", sessionID, err)
	}
	return nil
}

// Delete removes a session's transcript.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("redisstore: delete %s: %w", sessionID, err)
	}
	return nil
}
