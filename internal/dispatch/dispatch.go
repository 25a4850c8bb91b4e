// Package dispatch runs best-effort side effects (notifications, audit,
// persistence) off the caller's path. Jobs run one at a time in FIFO order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("dispatcher closed")

// DefaultJobTimeout bounds a single job.
const DefaultJobTimeout = 30 * time.Second

// Job is one unit of deferred work.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Dispatcher is an unbounded FIFO queue drained by a single worker.
// Enqueue never blocks; job failures and panics are logged and dropped.
type Dispatcher struct {
	logger     *slog.Logger
	jobTimeout time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Job
	running bool
	closed  bool
	done    chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used for job failures.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithJobTimeout overrides DefaultJobTimeout.
func WithJobTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.jobTimeout = t }
}

// New starts a Dispatcher. Call Close to stop it.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:     slog.Default(),
		jobTimeout: DefaultJobTimeout,
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

// Enqueue appends a job to the queue.
func (d *Dispatcher) Enqueue(name string, run func(ctx context.Context) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.queue = append(d.queue, Job{Name: name, Run: run})
	d.cond.Broadcast()
	return nil
}

// Pending returns the number of queued or running jobs.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.queue)
	if d.running {
		n++
	}
	return n
}

// Flush waits until every job enqueued so far has finished.
func (d *Dispatcher) Flush(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	})
	defer stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.queue) > 0 || d.running {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.cond.Wait()
	}
	return nil
}

// Close stops intake and waits for the queue to drain or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		d.cond.Broadcast()
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher close: %w", ctx.Err())
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.closed {
			d.mu.Unlock()
			return
		}
		job := d.queue[0]
		d.queue[0] = Job{}
		d.queue = d.queue[1:]
		d.running = true
		d.mu.Unlock()

		d.run(job)

		d.mu.Lock()
		d.running = false
		d.cond.Broadcast()
		d.mu.Unlock()
	}
}

func (d *Dispatcher) run(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), d.jobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch job panicked", "job", job.Name, "panic", r)
		}
	}()
	if err := job.Run(ctx); err != nil {
		d.logger.Warn("dispatch job failed", "job", job.Name, "error", err)
	}
}
