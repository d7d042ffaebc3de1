package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"go.uber.org/zap"

	"github.com/kandev/runctl/internal/common/logger"
)

// ErrDispatcherDisposed is returned when posting to a stopped dispatcher.
var ErrDispatcherDisposed = errors.New("dispatcher disposed")

const dispatchBatch = 16

// Dispatcher runs posted tasks one at a time, in order, on a single goroutine.
type Dispatcher struct {
	mailbox *queue.Queue
	done    chan struct{}
	logger  *logger.Logger
}

// NewDispatcher starts a dispatcher goroutine.
func NewDispatcher(log *logger.Logger) *Dispatcher {
	d := &Dispatcher{
		mailbox: queue.New(64),
		done:    make(chan struct{}),
		logger:  log.WithFields(zap.String("component", "dispatcher")),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		items, err := d.mailbox.Get(dispatchBatch)
		if err != nil {
			return
		}
		for _, item := range items {
			d.run(item.(func()))
		}
	}
}

func (d *Dispatcher) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatched task panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	task()
}

// Post enqueues task.
func (d *Dispatcher) Post(task func()) error {
	if err := d.mailbox.Put(task); err != nil {
		return ErrDispatcherDisposed
	}
	return nil
}

// Alarm is a pending delayed post.
type Alarm struct {
	timer *time.Timer
}

// Cancel stops the alarm if it has not fired yet.
func (a *Alarm) Cancel() bool {
	return a.timer.Stop()
}

// PostDelayed enqueues task after delay. Tasks arriving after disposal are dropped.
func (d *Dispatcher) PostDelayed(delay time.Duration, task func()) *Alarm {
	return &Alarm{timer: time.AfterFunc(delay, func() {
		if err := d.Post(task); err != nil {
			d.logger.Debug("dropped delayed task", zap.Error(err))
		}
	})}
}

// Invoke runs task on the dispatcher and waits for it to finish. It must not
// be called from a dispatched task.
func (d *Dispatcher) Invoke(ctx context.Context, task func()) error {
	finished := make(chan struct{})
	if err := d.Post(func() {
		defer close(finished)
		task()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-d.done:
		return ErrDispatcherDisposed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispose stops the dispatcher. Queued tasks are discarded.
func (d *Dispatcher) Dispose() {
	d.mailbox.Dispose()
}

// Done is closed once the dispatcher goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// IsDisposed reports whether Dispose has been called.
func (d *Dispatcher) IsDisposed() bool {
	return d.mailbox.Disposed()
}
