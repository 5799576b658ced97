// Package retry re-dispatches queued messages, either on demand or when
// connectivity settles back online.
package retry

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/stagecoach/internal/connectivity"
	"github.com/zulandar/stagecoach/internal/delivery"
	"github.com/zulandar/stagecoach/internal/models"
	"github.com/zulandar/stagecoach/internal/queue"
)

// Controller drains the offline queue through the delivery state machine.
type Controller struct {
	queue   *queue.Queue
	machine *delivery.Machine
	send    queue.SendFunc
	out     *log.Logger
}

// ControllerOpts configures a Controller.
type ControllerOpts struct {
	Queue   *queue.Queue
	Machine *delivery.Machine
	Send    queue.SendFunc
	Out     *log.Logger
}

// NewController validates opts and creates a Controller.
func NewController(opts ControllerOpts) (*Controller, error) {
	if opts.Queue == nil {
		return nil, fmt.Errorf("retry: queue is required")
	}
	if opts.Machine == nil {
		return nil, fmt.Errorf("retry: machine is required")
	}
	if opts.Send == nil {
		return nil, fmt.Errorf("retry: send func is required")
	}
	if opts.Out == nil {
		opts.Out = log.Default()
	}
	return &Controller{
		queue:   opts.Queue,
		machine: opts.Machine,
		send:    opts.Send,
		out:     opts.Out,
	}, nil
}

// RetryOne re-dispatches a single queued message. A failed message re-enters
// the queue lifecycle before the send attempt.
func (c *Controller) RetryOne(ctx context.Context, messageID string) error {
	entry := c.queue.Find(messageID)
	if entry == nil {
		return queue.ErrNotQueued
	}
	if entry.Message.Status == string(delivery.StatusFailed) {
		if _, err := c.machine.Transition(entry.Message, delivery.StatusQueued); err != nil {
			return fmt.Errorf("retry: requeue %s: %w", messageID, err)
		}
	}
	return c.queue.DrainOne(ctx, messageID, c.wrapped())
}

// RetryAll drains the whole queue in enqueue order.
func (c *Controller) RetryAll(ctx context.Context) (sent, remaining int, err error) {
	for _, e := range c.queue.All() {
		if e.Message.Status != string(delivery.StatusFailed) {
			continue
		}
		if _, terr := c.machine.Transition(e.Message, delivery.StatusQueued); terr != nil {
			return 0, c.queue.Len(), fmt.Errorf("retry: requeue %s: %w", e.Message.ID, terr)
		}
	}
	return c.queue.DrainAll(ctx, c.wrapped())
}

// Watch consumes monitor events and flushes the queue whenever connectivity
// settles online with pending messages. It returns when events closes or ctx
// is cancelled.
func (c *Controller) Watch(ctx context.Context, events <-chan connectivity.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != connectivity.EventFlushReady {
				continue
			}
			sent, remaining, err := c.RetryAll(ctx)
			if err != nil {
				c.out.Printf("retry: flush: %v", err)
				continue
			}
			c.out.Printf("retry: flushed queue, sent=%d remaining=%d", sent, remaining)
		}
	}
}

// wrapped moves each message through sending before the network attempt,
// into failed when the attempt errors, and into sent when it succeeds.
func (c *Controller) wrapped() queue.SendFunc {
	return func(ctx context.Context, msg *models.Message) error {
		if _, err := c.machine.Transition(msg, delivery.StatusSending); err != nil {
			return fmt.Errorf("retry: mark sending %s: %w", msg.ID, err)
		}
		if err := c.send(ctx, msg); err != nil {
			if _, terr := c.machine.Transition(msg, delivery.StatusFailed); terr != nil {
				c.out.Printf("retry: mark failed %s: %v", msg.ID, terr)
			}
			return err
		}
		if _, err := c.machine.Transition(msg, delivery.StatusSent); err != nil {
			return fmt.Errorf("retry: mark sent %s: %w", msg.ID, err)
		}
		return nil
	}
}

// Backoff retries fn up to attempts times with exponential delay, starting at
// base. Used for background chores, never for user-visible message sends.
func Backoff(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("retry: %d attempts: %w", attempts, err)
}
