// Package redis implements record.Store using Redis for high-throughput
// ephemeral deployments. Records are stored as Hashes, tags as Sets of
// record IDs, and a Sorted Set scored by write time provides newest-first
// retrieval.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fleetform/crew/id"
	"github.com/fleetform/crew/record"
)

// Compile-time interface check.
var _ record.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements record.Store backed by Redis.
type Store struct {
	client goredis.Cmdable
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.Cmdable { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op — the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

// Put persists a record Hash, indexes it under each tag Set, and scores it
// in the write-time Sorted Set.
func (s *Store) Put(ctx context.Context, tags []string, payload []byte) (id.RecordID, error) {
	recID := id.NewRecordID()
	rID := recID.String()
	now := time.Now().UTC()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, recordKey(rID), map[string]any{
		"id":         rID,
		"tags":       strings.Join(tags, "\x1f"),
		"payload":    payload,
		"created_at": now.Format(time.RFC3339Nano),
	})
	for _, tag := range tags {
		pipe.SAdd(ctx, tagKey(tag), rID)
	}
	pipe.ZAdd(ctx, writeIndexKey, goredis.Z{
		Score:  float64(now.UnixNano()),
		Member: rID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return id.Nil, fmt.Errorf("crew/redis: put record: %w", err)
	}
	return recID, nil
}

// FindByTags intersects the tag Sets, orders the surviving IDs by write
// time descending, and fetches each record Hash.
func (s *Store) FindByTags(ctx context.Context, tags []string, limit int) ([]*record.Record, error) {
	var ids []string
	var err error

	if len(tags) == 0 {
		ids, err = s.client.ZRevRange(ctx, writeIndexKey, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("crew/redis: range index: %w", err)
		}
	} else {
		keys := make([]string, len(tags))
		for i, tag := range tags {
			keys[i] = tagKey(tag)
		}
		ids, err = s.client.SInter(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("crew/redis: intersect tags: %w", err)
		}
		if len(ids) > 1 {
			ids, err = s.sortByWriteTime(ctx, ids)
			if err != nil {
				return nil, err
			}
		}
	}

	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	records := make([]*record.Record, 0, len(ids))
	for _, rID := range ids {
		vals, getErr := s.client.HGetAll(ctx, recordKey(rID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		rec, convErr := mapToRecord(vals)
		if convErr != nil {
			s.logger.Warn("skipping malformed record",
				slog.String("record_id", rID),
				slog.String("error", convErr.Error()),
			)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// sortByWriteTime orders record IDs by their write-index score descending.
func (s *Store) sortByWriteTime(ctx context.Context, ids []string) ([]string, error) {
	members := make([]any, len(ids))
	for i, v := range ids {
		members[i] = v
	}
	scores, err := s.client.ZMScore(ctx, writeIndexKey, idsToStrings(members)...).Result()
	if err != nil {
		return nil, fmt.Errorf("crew/redis: score records: %w", err)
	}

	type scored struct {
		id    string
		score float64
	}
	pairs := make([]scored, len(ids))
	for i, rID := range ids {
		pairs[i] = scored{id: rID, score: scores[i]}
	}
	sort.Slice(pairs, func(i, k int) bool { return pairs[i].score > pairs[k].score })

	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.id
	}
	return out, nil
}

func idsToStrings(members []any) []string {
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.(string) //nolint:errcheck // built from []string above
	}
	return out
}

// mapToRecord converts a Redis hash into a record.Record.
func mapToRecord(vals map[string]string) (*record.Record, error) {
	recID, err := id.ParseRecordID(vals["id"])
	if err != nil {
		return nil, fmt.Errorf("parse id: %w", err)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, vals["created_at"])
	if err != nil {
		// Older entries may carry a unix-nano fallback.
		ns, nsErr := strconv.ParseInt(vals["created_at"], 10, 64)
		if nsErr != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		createdAt = time.Unix(0, ns).UTC()
	}

	var tags []string
	if vals["tags"] != "" {
		tags = strings.Split(vals["tags"], "\x1f")
	}

	return &record.Record{
		ID:        recID,
		Tags:      tags,
		Payload:   []byte(vals["payload"]),
		CreatedAt: createdAt,
	}, nil
}
