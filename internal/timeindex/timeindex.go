// Package timeindex keeps a best-effort Redis index of which posts are due,
// keyed by scheduled time. The post store remains the source of truth; every
// operation here degrades to a logged no-op when Redis is unreachable so the
// scheduler can fall back to scanning the store directly.
package timeindex

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	scheduledKey  = "publisher:posts:scheduled"
	processingKey = "publisher:posts:processing"
)

// moveScript moves a member between two sorted sets atomically, assigning
// the given score in the destination.
const moveScript = `
redis.call('zrem', KEYS[1], ARGV[1])
return redis.call('zadd', KEYS[2], ARGV[2], ARGV[1])
`

type Index struct {
	rdb redis.UniversalClient
}

func New(rdb redis.UniversalClient) *Index {
	return &Index{rdb: rdb}
}

// Schedule upserts the post with score = scheduled Unix time.
func (i *Index) Schedule(ctx context.Context, postID int64, at time.Time) {
	member := strconv.FormatInt(postID, 10)
	err := i.rdb.ZAdd(ctx, scheduledKey, redis.Z{Score: float64(at.Unix()), Member: member}).Err()
	if err != nil {
		slog.Warn("timeindex: schedule failed, store scan will pick up the post", "post_id", postID, "error", err.Error())
	}
}

// Due returns up to limit post ids with score <= now, earliest first.
// Returns nil when the backend is unavailable.
func (i *Index) Due(ctx context.Context, now time.Time, limit int64) []int64 {
	members, err := i.rdb.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		slog.Warn("timeindex: due lookup failed, falling back to store scan", "error", err.Error())
		return nil
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			slog.Warn("timeindex: skipping malformed member", "member", m)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// MarkProcessing claims the post: it moves from the scheduled set to the
// processing set, scored by claim time so RecoverStale can find orphans.
func (i *Index) MarkProcessing(ctx context.Context, postID int64) {
	member := strconv.FormatInt(postID, 10)
	err := i.rdb.Eval(ctx, moveScript, []string{scheduledKey, processingKey},
		member, float64(time.Now().Unix())).Err()
	if err != nil {
		slog.Warn("timeindex: mark processing failed", "post_id", postID, "error", err.Error())
	}
}

// MarkDone drops the post from both tracking sets.
func (i *Index) MarkDone(ctx context.Context, postID int64) {
	member := strconv.FormatInt(postID, 10)
	pipe := i.rdb.TxPipeline()
	pipe.ZRem(ctx, scheduledKey, member)
	pipe.ZRem(ctx, processingKey, member)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("timeindex: mark done failed", "post_id", postID, "error", err.Error())
	}
}

// Cancel removes the post from both tracking sets.
func (i *Index) Cancel(ctx context.Context, postID int64) {
	i.MarkDone(ctx, postID)
}

// Reschedule updates the post's score, inserting it if absent.
func (i *Index) Reschedule(ctx context.Context, postID int64, at time.Time) {
	member := strconv.FormatInt(postID, 10)
	err := i.rdb.Eval(ctx, moveScript, []string{processingKey, scheduledKey},
		member, float64(at.Unix())).Err()
	if err != nil {
		slog.Warn("timeindex: reschedule failed", "post_id", postID, "error", err.Error())
	}
}

// RecoverStale moves processing entries older than maxAge back to the
// scheduled set with a fresh score. Only the recovery manager calls this.
func (i *Index) RecoverStale(ctx context.Context, maxAge time.Duration) int {
	now := time.Now()
	cutoff := strconv.FormatInt(now.Add(-maxAge).Unix(), 10)

	members, err := i.rdb.ZRangeByScore(ctx, processingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: cutoff,
	}).Result()
	if err != nil {
		slog.Warn("timeindex: stale scan failed", "error", err.Error())
		return 0
	}

	recovered := 0
	for _, member := range members {
		err := i.rdb.Eval(ctx, moveScript, []string{processingKey, scheduledKey},
			member, float64(now.Unix())).Err()
		if err != nil {
			slog.Warn("timeindex: stale requeue failed", "member", member, "error", err.Error())
			continue
		}
		recovered++
	}

	if recovered > 0 {
		slog.Info("timeindex: requeued stale processing entries", "count", recovered)
	}
	return recovered
}
