package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/aransky/memoir/internal/storage"
)

// dispatchCapacity bounds the scheduler → worker channel; together with the
// active-task limit it back-pressures claiming.
const dispatchCapacity = 5

// staleSweepEvery is how many ticks pass between stale-task sweeps.
const staleSweepEvery = 100

// Queue is the durable task queue as seen by the scheduler.
type Queue interface {
	ClaimNext() (*storage.Task, error)
	RequeueStale(lease time.Duration) (int64, error)
}

// Scheduler is the single loop that translates persistent queue state into
// an in-memory work stream. It claims at most one task at a time and never
// lets in-flight work exceed the limit; retries and results are the
// worker's business.
type Scheduler struct {
	queue    Queue
	limits   *Limits
	tick     time.Duration
	lease    time.Duration
	dispatch chan int64
	logger   *slog.Logger
}

// NewScheduler creates a scheduler claiming on the given interval.
func NewScheduler(queue Queue, limits *Limits, tick, lease time.Duration) *Scheduler {
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	return &Scheduler{
		queue:    queue,
		limits:   limits,
		tick:     tick,
		lease:    lease,
		dispatch: make(chan int64, dispatchCapacity),
		logger:   slog.Default(),
	}
}

// Dispatch is the stream of claimed task ids consumed by the worker.
func (s *Scheduler) Dispatch() <-chan int64 {
	return s.dispatch
}

// Run claims work until ctx is cancelled, then closes the dispatch channel.
// While claims succeed it keeps claiming without sleeping; an empty queue or
// a full limit waits one tick.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.dispatch)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	ticks := 0
	for {
		for s.limits.CanWork() {
			task, err := s.queue.ClaimNext()
			if err != nil {
				s.logger.Error("unable to check job queue", "error", err)
				break
			}
			if task == nil {
				break
			}

			s.logger.Debug("claimed task", "task_id", task.ID, "type", task.TaskType)
			s.limits.Inc()
			select {
			case s.dispatch <- task.ID:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ticks++
		if s.lease > 0 && ticks%staleSweepEvery == 0 {
			if n, err := s.queue.RequeueStale(s.lease); err != nil {
				s.logger.Error("stale task sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Warn("requeued stale tasks", "count", n)
			}
		}
	}
}
