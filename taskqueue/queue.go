package taskqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Task is one unit of hook processing. Retry state travels on the
// message itself, never in package globals: the verification attempt
// counter and the mergeability poll counter are both carried here so a
// requeued task resumes exactly where the policy chain left it.
type Task struct {
	HookID              uuid.UUID
	RawPayload          []byte
	Signature           string
	VerificationAttempt int
	MergeabilityAttempt int
	RetryAttempt        int
	// Verified marks a task whose delivery already passed signature
	// verification in an earlier run, e.g. an approval re-dispatch of
	// a previously blocked event.
	Verified bool
	// Approved marks a re-dispatch authorized by an approval comment;
	// the contributor filter that blocked the event the first time is
	// bypassed on this run.
	Approved bool
}

type Handler func(ctx context.Context, task Task)

// Queue is a bounded worker pool with delayed requeue. EnqueueAfter
// arms a timer instead of blocking a worker for the backoff duration.
type Queue struct {
	ch      chan Task
	wg      sync.WaitGroup
	timers  sync.WaitGroup
	stopped chan struct{}
	once    sync.Once
}

func New(buffer int) *Queue {
	return &Queue{
		ch:      make(chan Task, buffer),
		stopped: make(chan struct{}),
	}
}

func (q *Queue) Enqueue(task Task) {
	select {
	case <-q.stopped:
		slog.Warn("dropping task enqueued after queue stop", "hookId", task.HookID)
	case q.ch <- task:
	}
}

func (q *Queue) EnqueueAfter(task Task, delay time.Duration) {
	if delay <= 0 {
		q.Enqueue(task)
		return
	}
	q.timers.Add(1)
	timer := time.AfterFunc(delay, func() {
		defer q.timers.Done()
		q.Enqueue(task)
	})
	go func() {
		<-q.stopped
		if timer.Stop() {
			q.timers.Done()
		}
	}()
}

// TryDequeue pops one task without blocking. Processing loops use Run;
// this is for callers that drain the queue themselves.
func (q *Queue) TryDequeue() (Task, bool) {
	select {
	case task := <-q.ch:
		return task, true
	default:
		return Task{}, false
	}
}

// Run starts the worker pool and blocks until ctx is cancelled and all
// in-flight tasks have drained.
func (q *Queue) Run(ctx context.Context, workers int, handler Handler) {
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-q.ch:
					handler(ctx, task)
				}
			}
		}()
	}
	<-ctx.Done()
	q.once.Do(func() { close(q.stopped) })
	q.wg.Wait()
}
