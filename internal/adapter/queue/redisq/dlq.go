package redisq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/taskqueue/internal/domain"
)

const (
	deadLetterKey = "task_queue:dead_letter"
	dlqStatsKey   = "task_queue:dlq_stats"
)

// DeadLetter implements domain.DeadLetterSink on a Redis list plus a stats
// hash. Newest entries sit at the head of the list.
type DeadLetter struct {
	rdb *redis.Client
}

// NewDeadLetter constructs a sink over an existing client.
func NewDeadLetter(rdb *redis.Client) *DeadLetter {
	return &DeadLetter{rdb: rdb}
}

// Enqueue records a permanently failed job and bumps the rollup counters.
func (d *DeadLetter) Enqueue(ctx domain.Context, e domain.DeadLetterEntry) error {
	if e.AddedToDLQAt.IsZero() {
		e.AddedToDLQAt = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("op=dlq.enqueue.marshal: %w", err)
	}
	if err := withRetry(ctx, func() error {
		pipe := d.rdb.TxPipeline()
		pipe.LPush(ctx, deadLetterKey, b)
		pipe.HIncrBy(ctx, dlqStatsKey, "total_failed", 1)
		pipe.HIncrBy(ctx, dlqStatsKey, "failed_"+e.JobType, 1)
		pipe.HSet(ctx, dlqStatsKey, "last_failure", e.AddedToDLQAt.Format(time.RFC3339))
		_, err := pipe.Exec(ctx)
		return err
	}); err != nil {
		return storeErr("dlq.enqueue", err)
	}
	return nil
}

// List pages through entries, newest first.
func (d *DeadLetter) List(ctx domain.Context, offset, limit int64) ([]domain.DeadLetterEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := d.rdb.LRange(ctx, deadLetterKey, offset, offset+limit-1).Result()
	if err != nil {
		return nil, storeErr("dlq.list", err)
	}
	return decodeEntries(raw)
}

// Count returns the number of dead-lettered jobs.
func (d *DeadLetter) Count(ctx domain.Context) (int64, error) {
	n, err := d.rdb.LLen(ctx, deadLetterKey).Result()
	if err != nil {
		return 0, storeErr("dlq.count", err)
	}
	return n, nil
}

// Stats returns the rollup the sink maintains alongside its list.
func (d *DeadLetter) Stats(ctx domain.Context) (domain.DLQStats, error) {
	pipe := d.rdb.Pipeline()
	size := pipe.LLen(ctx, deadLetterKey)
	hash := pipe.HGetAll(ctx, dlqStatsKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.DLQStats{}, storeErr("dlq.stats", err)
	}
	stats := domain.DLQStats{
		TotalJobs:    size.Val(),
		FailedByType: map[string]int64{},
	}
	for field, val := range hash.Val() {
		switch {
		case field == "total_failed":
			fmt.Sscanf(val, "%d", &stats.TotalFailed)
		case field == "last_failure":
			stats.LastFailure = val
		case len(field) > len("failed_") && field[:len("failed_")] == "failed_":
			var n int64
			fmt.Sscanf(val, "%d", &n)
			stats.FailedByType[field[len("failed_"):]] = n
		}
	}
	return stats, nil
}

// Recent returns up to limit of the newest entries.
func (d *DeadLetter) Recent(ctx domain.Context, limit int64) ([]domain.DeadLetterEntry, error) {
	return d.List(ctx, 0, limit)
}

// RemoveOne finds and removes the newest entry for jobID, returning it.
// Nil when the job is not in the sink.
func (d *DeadLetter) RemoveOne(ctx domain.Context, jobID string) (*domain.DeadLetterEntry, error) {
	raw, err := d.rdb.LRange(ctx, deadLetterKey, 0, -1).Result()
	if err != nil {
		return nil, storeErr("dlq.remove_one", err)
	}
	for _, item := range raw {
		var e domain.DeadLetterEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		if e.JobID != jobID {
			continue
		}
		if err := d.rdb.LRem(ctx, deadLetterKey, 1, item).Err(); err != nil {
			return nil, storeErr("dlq.remove_one", err)
		}
		return &e, nil
	}
	return nil, nil
}

// Clear removes entries, optionally restricted to one job type, and returns
// how many were dropped. The stats hash keeps its historical counters.
func (d *DeadLetter) Clear(ctx domain.Context, typeFilter string) (int64, error) {
	if typeFilter == "" {
		n, err := d.rdb.LLen(ctx, deadLetterKey).Result()
		if err != nil {
			return 0, storeErr("dlq.clear", err)
		}
		if err := d.rdb.Del(ctx, deadLetterKey).Err(); err != nil {
			return 0, storeErr("dlq.clear", err)
		}
		return n, nil
	}
	raw, err := d.rdb.LRange(ctx, deadLetterKey, 0, -1).Result()
	if err != nil {
		return 0, storeErr("dlq.clear", err)
	}
	var removed int64
	for _, item := range raw {
		var e domain.DeadLetterEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		if e.JobType != typeFilter {
			continue
		}
		n, err := d.rdb.LRem(ctx, deadLetterKey, 1, item).Result()
		if err != nil {
			return removed, storeErr("dlq.clear", err)
		}
		removed += n
	}
	return removed, nil
}

func decodeEntries(raw []string) ([]domain.DeadLetterEntry, error) {
	out := make([]domain.DeadLetterEntry, 0, len(raw))
	for _, item := range raw {
		var e domain.DeadLetterEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("op=dlq.decode: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
