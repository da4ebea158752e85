package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"identra.org/internal/obs"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultRetryDelay   = time.Minute
)

// Handler processes one claimed job. Returning an error re-schedules the job
// after the retry delay, so handlers must be idempotent.
type Handler func(ctx context.Context, job Job) error

// Worker polls the queue for due jobs and dispatches them to registered
// handlers. Handler errors are logged and retried, never propagated; the
// loop itself only stops through Stop or context cancellation.
type Worker struct {
	queue      *Queue
	interval   time.Duration
	retryDelay time.Duration
	log        zerolog.Logger

	mu       sync.Mutex
	handlers map[string]Handler

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// WorkerOption configures the worker.
type WorkerOption func(*Worker)

func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithRetryDelay(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.retryDelay = d
		}
	}
}

func WithWorkerLogger(log zerolog.Logger) WorkerOption {
	return func(w *Worker) { w.log = log }
}

func NewWorker(queue *Queue, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:      queue,
		interval:   defaultPollInterval,
		retryDelay: defaultRetryDelay,
		log:        obs.Component("jobs"),
		handlers:   make(map[string]Handler),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Register binds a handler to a job name. Must be called before Start.
func (w *Worker) Register(name string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = h
}

// Start launches the polling loop.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		go w.run(ctx)
	})
}

// Stop terminates the loop and waits for it to exit. Idempotent.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	select {
	case <-w.done:
	case <-time.After(time.Second):
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain claims every due job of every registered name.
func (w *Worker) drain(ctx context.Context) {
	w.mu.Lock()
	names := make([]string, 0, len(w.handlers))
	for name := range w.handlers {
		names = append(names, name)
	}
	w.mu.Unlock()

	for _, name := range names {
		for {
			job, err := w.queue.Claim(ctx, name)
			if err != nil {
				w.log.Warn().Err(err).Str("job", name).Msg("claim failed")
				break
			}
			if job == nil {
				break
			}
			w.dispatch(ctx, *job)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, job Job) {
	w.mu.Lock()
	handler := w.handlers[job.Name]
	w.mu.Unlock()
	if handler == nil {
		w.log.Error().Str("job", job.Name).Str("job_id", job.ID).Msg("no handler registered")
		obs.JobProcessed(job.Name, "unhandled")
		return
	}
	if err := handler(ctx, job); err != nil {
		obs.JobProcessed(job.Name, "error")
		w.log.Error().Err(err).Str("job", job.Name).Str("job_id", job.ID).
			Dur("retry_in", w.retryDelay).Msg("job failed, rescheduling")
		if reqErr := w.queue.Enqueue(ctx, job.Name, job.Payload, w.retryDelay); reqErr != nil {
			w.log.Error().Err(reqErr).Str("job", job.Name).Str("job_id", job.ID).Msg("reschedule failed")
		}
		return
	}
	obs.JobProcessed(job.Name, "ok")
}
