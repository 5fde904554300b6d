package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultQueueSize = 256
	taskTimeout      = 10 * time.Second
)

// Dispatcher runs fire-and-forget tasks on a bounded queue. A full queue
// drops the task with a warning: side effects must never fail or block the
// parent operation.
type Dispatcher struct {
	tasks  chan task
	logger *slog.Logger
	wg     sync.WaitGroup
	once   sync.Once
}

type task struct {
	name string
	fn   func(ctx context.Context) error
}

func NewDispatcher(logger *slog.Logger, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	d := &Dispatcher{
		tasks:  make(chan task, queueSize),
		logger: logger,
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for t := range d.tasks {
		ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
		if err := t.fn(ctx); err != nil {
			d.logger.Warn("background_task_failed", "task", t.name, "error", err)
		}
		cancel()
	}
}

// Enqueue schedules a task. Never blocks.
func (d *Dispatcher) Enqueue(name string, fn func(ctx context.Context) error) {
	select {
	case d.tasks <- task{name: name, fn: fn}:
	default:
		d.logger.Warn("background_queue_full", "task", name)
	}
}

// Close drains outstanding tasks and stops the worker.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.tasks)
	})
	d.wg.Wait()
}
