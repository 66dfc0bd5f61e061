package sessioncache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time assertion that RedisStore satisfies Store.
var _ Store = (*RedisStore)(nil)

// defaultTTL keeps call state around for a day after the last write, which
// covers the retention floor for transcripts.
const defaultTTL = 24 * time.Hour

// ── Options ────────────────────────────────────────────────────────────────────

// RedisOption is a functional option for configuring a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL overrides the retention TTL applied to every key.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// ── RedisStore ─────────────────────────────────────────────────────────────────

// RedisStore implements Store on a Redis instance.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to the Redis instance named by url
// (e.g. redis://localhost:6379/0).
func NewRedisStore(url string, opts ...RedisOption) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("sessioncache: parse url: %w", err)
	}
	s := &RedisStore{
		client: redis.NewClient(opt),
		ttl:    defaultTTL,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Key layout: one document per call plus an append-only transcript list, an
// end marker and the recap text, all sharing the call's TTL.
func callKey(callSID string) string       { return fmt.Sprintf("call:%s", callSID) }
func transcriptKey(callSID string) string { return fmt.Sprintf("call:%s:transcript", callSID) }
func endedKey(callSID string) string      { return fmt.Sprintf("call:%s:ended", callSID) }
func recapKey(callSID string) string      { return fmt.Sprintf("call:%s:recap", callSID) }

// PutCall upserts the mirrored call document.
func (s *RedisStore) PutCall(ctx context.Context, call CallState) error {
	data, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("sessioncache: marshal call: %w", err)
	}
	if err := s.client.Set(ctx, callKey(call.CallSID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("sessioncache: put call: %w", err)
	}
	return nil
}

// Call returns the mirrored state for callSID.
func (s *RedisStore) Call(ctx context.Context, callSID string) (CallState, error) {
	data, err := s.client.Get(ctx, callKey(callSID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CallState{}, ErrNotFound
	}
	if err != nil {
		return CallState{}, fmt.Errorf("sessioncache: get call: %w", err)
	}
	var call CallState
	if err := json.Unmarshal(data, &call); err != nil {
		return CallState{}, fmt.Errorf("sessioncache: unmarshal call: %w", err)
	}
	return call, nil
}

// AppendEntry appends one transcript entry and refreshes the list's TTL.
func (s *RedisStore) AppendEntry(ctx context.Context, callSID string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("sessioncache: marshal entry: %w", err)
	}
	key := transcriptKey(callSID)
	if err := s.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("sessioncache: append entry: %w", err)
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		return fmt.Errorf("sessioncache: expire transcript: %w", err)
	}
	return nil
}

// Transcript returns all entries for callSID in append order.
func (s *RedisStore) Transcript(ctx context.Context, callSID string) ([]Entry, error) {
	rows, err := s.client.LRange(ctx, transcriptKey(callSID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("sessioncache: read transcript: %w", err)
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		var e Entry
		if err := json.Unmarshal([]byte(row), &e); err != nil {
			return nil, fmt.Errorf("sessioncache: unmarshal entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// MarkEnded writes the end-of-call record exactly once via SETNX, so a
// second teardown (or another process) cannot duplicate it.
func (s *RedisStore) MarkEnded(ctx context.Context, callSID, reason string, endedAt time.Time) (bool, error) {
	data, err := json.Marshal(EndRecord{Reason: reason, EndedAt: endedAt})
	if err != nil {
		return false, fmt.Errorf("sessioncache: marshal end record: %w", err)
	}
	created, err := s.client.SetNX(ctx, endedKey(callSID), data, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("sessioncache: mark ended: %w", err)
	}
	return created, nil
}

// SetRecap stores the post-call summary.
func (s *RedisStore) SetRecap(ctx context.Context, callSID, recap string) error {
	if err := s.client.Set(ctx, recapKey(callSID), recap, s.ttl).Err(); err != nil {
		return fmt.Errorf("sessioncache: set recap: %w", err)
	}
	return nil
}

// Recap returns the stored summary for callSID.
func (s *RedisStore) Recap(ctx context.Context, callSID string) (string, error) {
	recap, err := s.client.Get(ctx, recapKey(callSID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sessioncache: get recap: %w", err)
	}
	return recap, nil
}

// Ping verifies the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("sessioncache: ping: %w", err)
	}
	return nil
}

// Close releases the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
