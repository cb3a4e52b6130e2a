package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aridsondez/leaseq/internal/log"
	"github.com/aridsondez/leaseq/pkg/client"
)

// HandlerFunc processes a message and returns an error if processing failed.
// Returning nil means success (message will be acked).
// Returning an error means failure (message will be released for redelivery).
type HandlerFunc func(ctx context.Context, msg *Message) error

// Message is a leased message handed to a HandlerFunc.
type Message struct {
	client.Message
	Queue string

	c *client.Client
	// leaseEnd cancels the handler context when the lease runs out.
	leaseEnd *time.Timer
}

// Extend keeps the lease for d more from now and moves the handler's
// cancellation with it. client.ErrExpired or client.ErrNotFound mean the
// lease is gone and the handler should return.
func (m *Message) Extend(ctx context.Context, d time.Duration) error {
	if err := m.c.Extend(ctx, m.Message, d); err != nil {
		return err
	}
	if m.leaseEnd != nil {
		m.leaseEnd.Reset(d)
	}
	return nil
}

var errLeaseEnded = errors.New("lease ended")

// Worker manages message processing from queues
type Worker struct {
	id          string
	client      *client.Client
	handlers    map[string]HandlerFunc
	pollDelay   time.Duration
	batchSize   int
	visibility  time.Duration
	wait        time.Duration
	concurrency int
	logger      *log.Logger
}

// Config for creating a new worker
type Config struct {
	BaseURL     string        // leaseq server URL
	Client      *client.Client // overrides BaseURL when set
	PollDelay   time.Duration // Pause after an empty or failed receive (default: 1s)
	BatchSize   int           // Max messages to fetch per poll (default: 10)
	Visibility  time.Duration // Lease duration (default: 30s)
	Wait        time.Duration // Long-poll wait per receive (default: 0)
	Concurrency int           // Handlers running at once per queue (default: 1)
}

// New creates a new Worker with the given configuration
func New(cfg Config) *Worker {
	if cfg.PollDelay == 0 {
		cfg.PollDelay = 1 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.Visibility == 0 {
		cfg.Visibility = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	c := cfg.Client
	if c == nil {
		c = client.NewClient(cfg.BaseURL)
	}

	id := ulid.Make().String()
	return &Worker{
		id:          id,
		client:      c,
		handlers:    make(map[string]HandlerFunc),
		pollDelay:   cfg.PollDelay,
		batchSize:   cfg.BatchSize,
		visibility:  cfg.Visibility,
		wait:        cfg.Wait,
		concurrency: cfg.Concurrency,
		logger:      log.Default().With(map[string]any{"worker_id": id}),
	}
}

// ID is the worker's identity, unique per instance.
func (w *Worker) ID() string { return w.id }

// Handle registers a handler function for a specific queue
func (w *Worker) Handle(queue string, handler HandlerFunc) {
	w.handlers[queue] = handler
	w.logger.Infof("registered handler for queue: %s", queue)
}

// Run starts the worker and blocks until ctx is cancelled and in-flight
// handlers have returned.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return fmt.Errorf("no handlers registered")
	}

	w.logger.Infof("worker starting with %d queue(s)", len(w.handlers))

	var wg sync.WaitGroup
	for queue, handler := range w.handlers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.pollQueue(ctx, queue, handler)
		}()
	}

	<-ctx.Done()
	w.logger.Infof("worker shutting down...")
	wg.Wait()
	return nil
}

// pollQueue continuously polls a queue and processes messages
func (w *Worker) pollQueue(ctx context.Context, queue string, handler HandlerFunc) {
	w.logger.Infof("started polling queue: %s", queue)

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if ctx.Err() != nil {
			w.logger.Infof("stopped polling queue: %s", queue)
			return
		}

		// Only ask for as many messages as there are free handler slots, so
		// leases do not tick away while messages wait for a slot.
		sem <- struct{}{}
		free := 1
		for free < w.batchSize && len(sem) < cap(sem) {
			sem <- struct{}{}
			free++
		}

		msgs, err := w.client.Receive(ctx, queue, client.ReceiveOptions{
			Max:        free,
			Visibility: w.visibility,
			Wait:       w.wait,
		})
		if err != nil && ctx.Err() == nil {
			w.logger.WarnFields("receive failed", map[string]any{"queue": queue, "error": err.Error()})
		}

		for i := len(msgs); i < free; i++ {
			<-sem
		}
		if len(msgs) == 0 {
			if !sleep(ctx, w.pollDelay) {
				return
			}
			continue
		}

		w.logger.DebugFields("received", map[string]any{"queue": queue, "count": len(msgs)})
		for _, m := range msgs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				w.processMessage(ctx, &Message{Message: m, Queue: queue, c: w.client}, handler)
			}()
		}
	}
}

// processMessage handles a single message with error recovery
func (w *Worker) processMessage(ctx context.Context, msg *Message, handler HandlerFunc) {
	fields := map[string]any{"queue": msg.Queue, "id": msg.ID, "attempt": msg.Attempts}

	// The handler is cancelled when the lease runs out; Extend pushes that
	// back.
	handlerCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	msg.leaseEnd = time.AfterFunc(time.Until(msg.VisibleUntil), func() { cancel(errLeaseEnded) })
	defer msg.leaseEnd.Stop()

	err := w.invoke(handlerCtx, msg, handler)

	// Settle even when ctx is done so a finished message is not redelivered.
	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer settleCancel()

	if err != nil {
		fields["error"] = err.Error()
		w.logger.WarnFields("handler failed, releasing message", fields)
		w.settle(settleCtx, "release", msg, fields, w.client.Release)
		return
	}
	if w.settle(settleCtx, "ack", msg, fields, w.client.Ack) {
		w.logger.DebugFields("processed message", fields)
	}
}

// invoke runs handler, turning a panic into an error.
func (w *Worker) invoke(ctx context.Context, msg *Message, handler HandlerFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}

func (w *Worker) settle(ctx context.Context, op string, msg *Message, fields map[string]any, fn func(context.Context, client.Message) error) bool {
	err := fn(ctx, msg.Message)
	switch {
	case err == nil:
		return true
	case errors.Is(err, client.ErrExpired), errors.Is(err, client.ErrNotFound):
		// Someone else owns or finished the message now.
		w.logger.WarnFields(op+" rejected, lease lost", fields)
	default:
		fields["error"] = err.Error()
		w.logger.WarnFields(op+" failed, message will be redelivered after its lease", fields)
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
