package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const dequeueWait = 5 * time.Second

// Handler processes one task.
type Handler func(ctx context.Context, task *TaskEnvelope) error

// TaskSource is the slice of TaskQueue the pool consumes.
type TaskSource interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*TaskEnvelope, error)
	Enqueue(ctx context.Context, task *TaskEnvelope) error
}

// WorkerPool drains a task queue into registered handlers. Failed tasks
// go back on the queue until their retry budget runs out.
type WorkerPool struct {
	source      TaskSource
	handlers    map[TaskType]Handler
	workers     int
	taskTimeout time.Duration

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	log     zerolog.Logger
}

// NewWorkerPool sizes the pool. taskTimeout bounds each handler call.
func NewWorkerPool(source TaskSource, workers int, taskTimeout time.Duration, log zerolog.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{
		source:      source,
		handlers:    make(map[TaskType]Handler),
		workers:     workers,
		taskTimeout: taskTimeout,
		log:         log.With().Str("component", "worker_pool").Logger(),
	}
}

// Register maps a task type to its handler. Must be called before Start.
func (p *WorkerPool) Register(taskType TaskType, handler Handler) {
	p.handlers[taskType] = handler
}

// Start launches the workers. Safe to call once per pool.
func (p *WorkerPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		p.log.Warn().Msg("Worker pool already started, ignoring")
		return
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(runCtx, i)
	}
	p.log.Info().Int("workers", p.workers).Msg("Worker pool started")
}

// Stop halts dequeueing and waits for in-flight tasks.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info().Msg("Worker pool stopped")
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker", id).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := p.source.Dequeue(ctx, dequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("Dequeue failed")
			// Back off so a broken broker does not spin the worker.
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueWait):
			}
			continue
		}
		if task == nil {
			continue
		}

		p.dispatch(ctx, log, task)
	}
}

func (p *WorkerPool) dispatch(ctx context.Context, log zerolog.Logger, task *TaskEnvelope) {
	handler, ok := p.handlers[task.Type]
	if !ok {
		log.Error().Str("task_id", task.ID).Str("task_type", string(task.Type)).
			Msg("No handler registered for task type, dropping")
		return
	}

	start := time.Now()
	taskCtx := ctx
	var cancel context.CancelFunc
	if p.taskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, p.taskTimeout)
		defer cancel()
	}

	err := runHandler(taskCtx, handler, task)
	if err == nil {
		log.Info().
			Str("task_id", task.ID).
			Str("task_type", string(task.Type)).
			Dur("duration_ms", time.Since(start)).
			Msg("Task completed")
		return
	}

	if task.Retries < task.MaxRetries {
		task.Retries++
		log.Warn().Err(err).
			Str("task_id", task.ID).
			Str("task_type", string(task.Type)).
			Int("retry", task.Retries).
			Int("max_retries", task.MaxRetries).
			Msg("Task failed, requeueing")
		if enqErr := p.source.Enqueue(ctx, task); enqErr != nil {
			log.Error().Err(enqErr).Str("task_id", task.ID).Msg("Requeue failed, task lost")
		}
		return
	}

	log.Error().Err(err).
		Str("task_id", task.ID).
		Str("task_type", string(task.Type)).
		Int("retries", task.Retries).
		Msg("Task failed permanently")
}

// runHandler converts handler panics into errors so one bad task cannot
// take a worker down.
func runHandler(ctx context.Context, handler Handler, task *TaskEnvelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panicked: %v", r)
		}
	}()
	return handler(ctx, task)
}
