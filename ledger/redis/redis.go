// Package redis provides a Redis-backed UsageLedger for governor.
//
// Window events live in a sorted set per model key, scored by unix
// milliseconds, with Lua scripts keeping the evict-then-count sequence atomic.
// This makes the sliding window correct across multiple governor instances
// sharing one set of backend limits.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/quietgrid/governor"
)

// Store is a Redis-backed UsageLedger.
//
// The governor.UsageLedger contract has no error returns: Record never fails
// and reads fall open (report zero usage) when Redis is unreachable, with a
// warning logged. Fail-open keeps an outage from freezing all routing; the
// server-side limits are still the backstop.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	timeout   time.Duration
	logger    *slog.Logger
}

var _ governor.UsageLedger = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "governor:usage:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithTimeout bounds each Redis round trip (default 2s).
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// WithLogger sets the logger for fail-open warnings (default slog.Default).
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a new Redis-backed UsageLedger.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "governor:usage:",
		timeout:   2 * time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) windowKey(modelKey string) string {
	return s.keyPrefix + modelKey
}

func (s *Store) lastKey(modelKey string) string {
	return s.keyPrefix + "last:" + modelKey
}

// recordScript appends an event and evicts the expired prefix.
// KEYS[1] = window zset, KEYS[2] = last-event key
// ARGV[1] = now (unix ms), ARGV[2] = member, ARGV[3] = cutoff (unix ms)
var recordScript = goredis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[3])
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
redis.call('SET', KEYS[2], ARGV[1])
redis.call('PEXPIRE', KEYS[1], 120000)
redis.call('PEXPIRE', KEYS[2], 120000)
return 1
`)

// usageScript evicts the expired prefix, then returns {count, tokens}.
// Members are "<uuid>:<tokens>"; tokens are summed in the script so the
// evict-then-count sequence stays atomic.
// KEYS[1] = window zset
// ARGV[1] = cutoff (unix ms)
var usageScript = goredis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local members = redis.call('ZRANGE', KEYS[1], 0, -1)
local tokens = 0
for _, m in ipairs(members) do
  local t = string.match(m, ':(%d+)$')
  if t then tokens = tokens + tonumber(t) end
end
return {#members, tokens}
`)

// Record appends a usage event for the model at the current time.
func (s *Store) Record(modelKey string, tokens int64) {
	ctx, cancel := s.opCtx()
	defer cancel()

	now := time.Now()
	member := uuid.New().String() + ":" + strconv.FormatInt(tokens, 10)
	cutoff := now.Add(-governor.UsageWindow).UnixMilli()

	err := recordScript.Run(ctx, s.client,
		[]string{s.windowKey(modelKey), s.lastKey(modelKey)},
		now.UnixMilli(), member, cutoff,
	).Err()
	if err != nil {
		s.logger.Warn("governor/redis: record failed", "model", modelKey, "error", err)
	}
}

// Usage returns the request and token counts inside the trailing window.
func (s *Store) Usage(modelKey string) (requests, tokens int64) {
	ctx, cancel := s.opCtx()
	defer cancel()

	cutoff := time.Now().Add(-governor.UsageWindow).UnixMilli()
	res, err := usageScript.Run(ctx, s.client, []string{s.windowKey(modelKey)}, cutoff).Int64Slice()
	if err != nil || len(res) != 2 {
		s.logger.Warn("governor/redis: usage read failed", "model", modelKey, "error", err)
		return 0, 0
	}
	return res[0], res[1]
}

// Oldest returns the timestamp of the oldest in-window event.
func (s *Store) Oldest(modelKey string) (time.Time, bool) {
	ctx, cancel := s.opCtx()
	defer cancel()

	cutoff := time.Now().Add(-governor.UsageWindow).UnixMilli()
	if err := s.client.ZRemRangeByScore(ctx, s.windowKey(modelKey), "-inf", formatMilli(cutoff)).Err(); err != nil {
		s.logger.Warn("governor/redis: oldest evict failed", "model", modelKey, "error", err)
		return time.Time{}, false
	}

	entries, err := s.client.ZRangeWithScores(ctx, s.windowKey(modelKey), 0, 0).Result()
	if err != nil || len(entries) == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(entries[0].Score)), true
}

// LastEvent returns the timestamp of the most recent recorded event.
func (s *Store) LastEvent(modelKey string) (time.Time, bool) {
	ctx, cancel := s.opCtx()
	defer cancel()

	raw, err := s.client.Get(ctx, s.lastKey(modelKey)).Result()
	if err != nil {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Clear removes all ledger state for a model key. For tests and operations.
func (s *Store) Clear(ctx context.Context, modelKey string) error {
	if err := s.client.Del(ctx, s.windowKey(modelKey), s.lastKey(modelKey)).Err(); err != nil {
		return fmt.Errorf("governor/redis: clear %s: %w", modelKey, err)
	}
	return nil
}

func (s *Store) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func formatMilli(ms int64) string {
	return strconv.FormatInt(ms, 10)
}
