// Package redisq implements the shared ready queue, resource ledger,
// recently-completed side channel, and dead-letter sink on Redis.
//
// The queue is four FIFO lists, one per priority band. Admission (pop +
// ledger deduction) runs as a single Lua script so the check-and-deduct is
// linearizable against concurrent dispatchers sharing the store.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/taskqueue/internal/domain"
)

const (
	queueKeyPrefix     = "queue:"
	cpuKey             = "resources:cpu"
	memoryKey          = "resources:memory"
	maxCPUKey          = "resources:max_cpu"
	maxMemoryKey       = "resources:max_memory"
	recentCompletedKey = "task_queue:recently_completed"

	// recentCompletedTTL bounds how long unobserved completion signals
	// survive; the dispatcher's backstop sweep covers losses.
	recentCompletedTTL = 60 * time.Second

	popPollInterval = 100 * time.Millisecond
)

// bandKeys lists queue keys from highest to lowest priority.
func bandKeys() []string {
	keys := make([]string, 0, 4)
	for _, p := range domain.Priorities() {
		keys = append(keys, queueKeyPrefix+string(p))
	}
	return keys
}

// popScript admits the head of the highest-priority non-empty band. If that
// head does not fit the ledger it stays put and nothing is admitted, which
// preserves both FIFO order and strict cross-band priority.
const popScript = `
local cpu_key = KEYS[1]
local mem_key = KEYS[2]
local max_cpu_key = KEYS[3]
local max_mem_key = KEYS[4]
for i = 5, #KEYS do
  local item = redis.call("LINDEX", KEYS[i], 0)
  if item then
    local job = cjson.decode(item)
    local cpu = tonumber(redis.call("GET", cpu_key) or "0")
    local mem = tonumber(redis.call("GET", mem_key) or "0")
    local max_cpu = tonumber(redis.call("GET", max_cpu_key) or "0")
    local max_mem = tonumber(redis.call("GET", max_mem_key) or "0")
    if cpu + job.cpu_units <= max_cpu and mem + job.memory_mb <= max_mem then
      redis.call("LPOP", KEYS[i])
      redis.call("SET", cpu_key, cpu + job.cpu_units)
      redis.call("SET", mem_key, mem + job.memory_mb)
      return item
    end
    return false
  end
end
return false
`

// releaseScript decrements the ledger, saturating at zero so a double
// release after crash-recovery replay cannot drive the counters negative.
const releaseScript = `
local cpu = tonumber(redis.call("GET", KEYS[1]) or "0") - tonumber(ARGV[1])
if cpu < 0 then cpu = 0 end
redis.call("SET", KEYS[1], cpu)
local mem = tonumber(redis.call("GET", KEYS[2]) or "0") - tonumber(ARGV[2])
if mem < 0 then mem = 0 end
redis.call("SET", KEYS[2], mem)
return {cpu, mem}
`

// setLimitsScript updates the maxima only while nothing is allocated.
const setLimitsScript = `
local cpu = tonumber(redis.call("GET", KEYS[1]) or "0")
local mem = tonumber(redis.call("GET", KEYS[2]) or "0")
if cpu > 0 or mem > 0 then
  return 0
end
redis.call("SET", KEYS[3], ARGV[1])
redis.call("SET", KEYS[4], ARGV[2])
return 1
`

// Queue implements domain.ReadyQueue on Redis.
type Queue struct {
	rdb       *redis.Client
	pop       *redis.Script
	release   *redis.Script
	setLimits *redis.Script
}

// NewClient builds a Redis client from a URL.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=redisq.parse_url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// New constructs a Queue over an existing client.
func New(rdb *redis.Client) *Queue {
	return &Queue{
		rdb:       rdb,
		pop:       redis.NewScript(popScript),
		release:   redis.NewScript(releaseScript),
		setLimits: redis.NewScript(setLimitsScript),
	}
}

// withRetry retries transient store errors with bounded exponential backoff.
func withRetry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(op, b)
}

func storeErr(op string, err error) error {
	return fmt.Errorf("op=%s: %s: %w", op, err, domain.ErrStoreUnavailable)
}

// InitResources creates the ledger keys only when absent. Multiple dispatcher
// processes share the ledger; a second startup must not zero allocations held
// by live peers. Changing the maxima goes through SetLimits.
func (q *Queue) InitResources(ctx domain.Context, maxCPU, maxMemoryMB int) error {
	pipe := q.rdb.TxPipeline()
	pipe.SetNX(ctx, maxCPUKey, maxCPU, 0)
	pipe.SetNX(ctx, maxMemoryKey, maxMemoryMB, 0)
	pipe.SetNX(ctx, cpuKey, 0, 0)
	pipe.SetNX(ctx, memoryKey, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("queue.init_resources", err)
	}
	return nil
}

// SetLimits updates the maxima; refused while any resources are allocated.
func (q *Queue) SetLimits(ctx domain.Context, maxCPU, maxMemoryMB int) error {
	n, err := q.setLimits.Run(ctx, q.rdb,
		[]string{cpuKey, memoryKey, maxCPUKey, maxMemoryKey}, maxCPU, maxMemoryMB).Int()
	if err != nil {
		return storeErr("queue.set_limits", err)
	}
	if n == 0 {
		return fmt.Errorf("op=queue.set_limits: resources still allocated: %w", domain.ErrInvalidState)
	}
	return nil
}

// Push appends a job handle to the tail of its priority band.
func (q *Queue) Push(ctx domain.Context, j domain.QueuedJob) error {
	b, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("op=queue.push.marshal: %w", err)
	}
	key := queueKeyPrefix + string(j.Priority)
	if err := withRetry(ctx, func() error {
		return q.rdb.RPush(ctx, key, b).Err()
	}); err != nil {
		return storeErr("queue.push", err)
	}
	return nil
}

// TryPopAdmissible pops the head of the highest-priority non-empty band once
// the ledger covers its resources, polling up to timeout. Returns nil when
// nothing became admissible in time.
func (q *Queue) TryPopAdmissible(ctx domain.Context, timeout time.Duration) (*domain.QueuedJob, error) {
	keys := append([]string{cpuKey, memoryKey, maxCPUKey, maxMemoryKey}, bandKeys()...)
	deadline := time.Now().Add(timeout)
	for {
		res, err := q.pop.Run(ctx, q.rdb, keys).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, storeErr("queue.pop", err)
		}
		if s, ok := res.(string); ok && s != "" {
			var j domain.QueuedJob
			if err := json.Unmarshal([]byte(s), &j); err != nil {
				return nil, fmt.Errorf("op=queue.pop.unmarshal: %w", err)
			}
			return &j, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := popPollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Release returns resources to the ledger.
func (q *Queue) Release(ctx domain.Context, cpuUnits, memoryMB int) error {
	if err := withRetry(ctx, func() error {
		return q.release.Run(ctx, q.rdb, []string{cpuKey, memoryKey}, cpuUnits, memoryMB).Err()
	}); err != nil {
		return storeErr("queue.release", err)
	}
	return nil
}

// Usage returns a ledger snapshot.
func (q *Queue) Usage(ctx domain.Context) (domain.ResourceUsage, error) {
	pipe := q.rdb.Pipeline()
	cpu := pipe.Get(ctx, cpuKey)
	mem := pipe.Get(ctx, memoryKey)
	maxCPU := pipe.Get(ctx, maxCPUKey)
	maxMem := pipe.Get(ctx, maxMemoryKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return domain.ResourceUsage{}, storeErr("queue.usage", err)
	}
	return domain.ResourceUsage{
		AllocatedCPU:    intOrZero(cpu),
		AllocatedMemory: intOrZero(mem),
		MaxCPU:          intOrZero(maxCPU),
		MaxMemory:       intOrZero(maxMem),
	}, nil
}

func intOrZero(c *redis.StringCmd) int {
	n, err := c.Int()
	if err != nil {
		return 0
	}
	return n
}

// Sizes returns the depth of each priority band.
func (q *Queue) Sizes(ctx domain.Context) (map[domain.JobPriority]int64, error) {
	pipe := q.rdb.Pipeline()
	cmds := make(map[domain.JobPriority]*redis.IntCmd, 4)
	for _, p := range domain.Priorities() {
		cmds[p] = pipe.LLen(ctx, queueKeyPrefix+string(p))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storeErr("queue.sizes", err)
	}
	out := make(map[domain.JobPriority]int64, 4)
	for p, c := range cmds {
		out[p] = c.Val()
	}
	return out, nil
}

// MarkCompleted publishes a terminal parent id for dependent promotion.
func (q *Queue) MarkCompleted(ctx domain.Context, jobID string) error {
	if err := withRetry(ctx, func() error {
		pipe := q.rdb.TxPipeline()
		pipe.RPush(ctx, recentCompletedKey, jobID)
		pipe.Expire(ctx, recentCompletedKey, recentCompletedTTL)
		_, err := pipe.Exec(ctx)
		return err
	}); err != nil {
		return storeErr("queue.mark_completed", err)
	}
	return nil
}

// DrainCompleted atomically reads and clears the recently-completed list.
func (q *Queue) DrainCompleted(ctx domain.Context) ([]string, error) {
	pipe := q.rdb.TxPipeline()
	items := pipe.LRange(ctx, recentCompletedKey, 0, -1)
	pipe.Del(ctx, recentCompletedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storeErr("queue.drain_completed", err)
	}
	return items.Val(), nil
}

// Clear removes every band (test and operator tooling).
func (q *Queue) Clear(ctx domain.Context) error {
	if err := q.rdb.Del(ctx, bandKeys()...).Err(); err != nil {
		return storeErr("queue.clear", err)
	}
	return nil
}

// Ping verifies connectivity.
func (q *Queue) Ping(ctx domain.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return storeErr("queue.ping", err)
	}
	return nil
}
