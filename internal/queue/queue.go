package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// TaskQueue is a Redis-list backed task queue. Producers LPUSH msgpack
// envelopes; workers BRPOP them, so tasks come off in FIFO order and
// survive process restarts.
type TaskQueue struct {
	rdb  *redis.Client
	name string
	log  zerolog.Logger
}

// NewTaskQueue binds a named queue. Analytics and bot use separate names
// so each service only consumes its own work.
func NewTaskQueue(rdb *redis.Client, name string, log zerolog.Logger) *TaskQueue {
	return &TaskQueue{
		rdb:  rdb,
		name: name,
		log:  log.With().Str("component", "task_queue").Str("queue", name).Logger(),
	}
}

func (q *TaskQueue) listKey() string {
	return "queue:" + q.name
}

func (q *TaskQueue) guardKey(taskType TaskType) string {
	return fmt.Sprintf("queue:%s:last_run:%s", q.name, taskType)
}

// Enqueue pushes a task onto the queue.
func (q *TaskQueue) Enqueue(ctx context.Context, task *TaskEnvelope) error {
	raw, err := msgpack.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", task.ID, err)
	}
	if err := q.rdb.LPush(ctx, q.listKey(), raw).Err(); err != nil {
		return fmt.Errorf("enqueueing task %s: %w", task.ID, err)
	}
	q.log.Debug().Str("task_id", task.ID).Str("task_type", string(task.Type)).Msg("Task enqueued")
	return nil
}

// EnqueueIfShouldRun enqueues unless the same task type already ran (or
// was enqueued) within interval. The guard is a SETNX key whose TTL is
// the interval, so it also holds across multiple scheduler instances.
func (q *TaskQueue) EnqueueIfShouldRun(ctx context.Context, task *TaskEnvelope, interval time.Duration) (bool, error) {
	ok, err := q.rdb.SetNX(ctx, q.guardKey(task.Type), task.EnqueuedAt.Format(time.RFC3339), interval).Result()
	if err != nil {
		return false, fmt.Errorf("checking run guard for %s: %w", task.Type, err)
	}
	if !ok {
		q.log.Debug().Str("task_type", string(task.Type)).Dur("interval", interval).
			Msg("Skipped task, interval not yet passed")
		return false, nil
	}
	if err := q.Enqueue(ctx, task); err != nil {
		return false, err
	}
	return true, nil
}

// Dequeue blocks up to timeout for the next task. Returns nil with no
// error when the queue stayed empty.
func (q *TaskQueue) Dequeue(ctx context.Context, timeout time.Duration) (*TaskEnvelope, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.listKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeueing: %w", err)
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("dequeueing: unexpected BRPOP reply of %d elements", len(res))
	}

	var task TaskEnvelope
	if err := msgpack.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("decoding task: %w", err)
	}
	return &task, nil
}

// Size reports the number of queued tasks.
func (q *TaskQueue) Size(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.listKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("reading queue length: %w", err)
	}
	return n, nil
}
