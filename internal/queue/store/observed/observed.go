// Package observed decorates a store.Store with metrics, tracing spans and
// debug logging. Semantics are those of the wrapped store.
package observed

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aridsondez/leaseq/internal/log"
	"github.com/aridsondez/leaseq/internal/metrics"
	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store"
)

const tracerName = "github.com/aridsondez/leaseq/internal/queue/store"

var _ store.Store = (*Store)(nil)

type Store struct {
	next   store.Store
	tracer trace.Tracer
}

func New(next store.Store) *Store {
	return &Store{next: next, tracer: otel.Tracer(tracerName)}
}

// Unwrap returns the decorated store.
func (s *Store) Unwrap() store.Store { return s.next }

func (s *Store) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	ctx, span := s.tracer.Start(ctx, "leaseq.store."+op, trace.WithAttributes(attrs...))
	return ctx, span, time.Now()
}

// finish records latency, the error kind and ends the span.
func (s *Store) finish(span trace.Span, op string, began time.Time, err error) {
	metrics.StoreDuration.WithLabelValues(op).Observe(time.Since(began).Seconds())
	if err != nil {
		kind := errorKind(err)
		metrics.StoreErrors.WithLabelValues(op, kind).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("leaseq.error_kind", kind))
		if kind == "other" || kind == "schema" {
			log.ErrorFields("store operation failed", err, map[string]any{"op": op, "kind": kind})
		}
	}
	span.End()
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, queue.ErrStoreUnavailable):
		return "unavailable"
	case errors.Is(err, queue.ErrSchema):
		return "schema"
	case errors.Is(err, queue.ErrInvalidArgument):
		return "invalid"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}

func (s *Store) Enqueue(ctx context.Context, m queue.Message, delay time.Duration) (int64, error) {
	ctx, span, began := s.start(ctx, "enqueue",
		attribute.String("leaseq.queue", m.Queue),
		attribute.Int("leaseq.payload_bytes", len(m.Payload)),
	)
	id, err := s.next.Enqueue(ctx, m, delay)
	if err == nil {
		metrics.MessagesEnqueued.WithLabelValues(m.Queue).Inc()
		span.SetAttributes(attribute.Int64("leaseq.message_id", id))
		log.DebugFields("enqueued", map[string]any{"queue": m.Queue, "id": id, "delay": delay.String()})
	}
	s.finish(span, "enqueue", began, err)
	return id, err
}

func (s *Store) Claim(ctx context.Context, opts queue.ClaimOptions) ([]queue.Message, error) {
	ctx, span, began := s.start(ctx, "claim",
		attribute.String("leaseq.queue", opts.Queue),
		attribute.Int("leaseq.limit", opts.Limit),
		attribute.Int64("leaseq.visibility_ms", opts.Visibility.Milliseconds()),
	)
	msgs, err := s.next.Claim(ctx, opts)
	if err == nil {
		metrics.MessagesClaimed.WithLabelValues(opts.Queue).Add(float64(len(msgs)))
		span.SetAttributes(attribute.Int("leaseq.claimed", len(msgs)))
		if len(msgs) > 0 {
			log.DebugFields("claimed", map[string]any{"queue": opts.Queue, "count": len(msgs)})
		}
	}
	s.finish(span, "claim", began, err)
	return msgs, err
}

func (s *Store) Ack(ctx context.Context, r queue.Receipt) (queue.Outcome, error) {
	return s.leaseOp(ctx, "ack", r, func(ctx context.Context) (queue.Outcome, error) {
		return s.next.Ack(ctx, r)
	})
}

func (s *Store) Release(ctx context.Context, r queue.Receipt) (queue.Outcome, error) {
	return s.leaseOp(ctx, "release", r, func(ctx context.Context) (queue.Outcome, error) {
		return s.next.Release(ctx, r)
	})
}

func (s *Store) ExtendLease(ctx context.Context, r queue.Receipt, d time.Duration) (queue.Outcome, error) {
	return s.leaseOp(ctx, "extend", r, func(ctx context.Context) (queue.Outcome, error) {
		return s.next.ExtendLease(ctx, r, d)
	})
}

func (s *Store) leaseOp(ctx context.Context, op string, r queue.Receipt, fn func(context.Context) (queue.Outcome, error)) (queue.Outcome, error) {
	ctx, span, began := s.start(ctx, op, attribute.Int64("leaseq.message_id", r.ID))
	out, err := fn(ctx)
	if err == nil {
		metrics.LeaseOutcomes.WithLabelValues(op, out.String()).Inc()
		span.SetAttributes(attribute.String("leaseq.outcome", out.String()))
		if out != queue.OK {
			log.DebugFields("lease operation rejected", map[string]any{"op": op, "id": r.ID, "outcome": out.String()})
		}
	}
	s.finish(span, op, began, err)
	return out, err
}

func (s *Store) Sweep(ctx context.Context) (int, error) {
	ctx, span, began := s.start(ctx, "sweep")
	n, err := s.next.Sweep(ctx)
	span.SetAttributes(attribute.Int("leaseq.cleared", n))
	s.finish(span, "sweep", began, err)
	return n, err
}

func (s *Store) Count(ctx context.Context, queueName string) (int, error) {
	ctx, span, began := s.start(ctx, "count", attribute.String("leaseq.queue", queueName))
	n, err := s.next.Count(ctx, queueName)
	s.finish(span, "count", began, err)
	return n, err
}

func (s *Store) Purge(ctx context.Context, queueName string) (int, error) {
	ctx, span, began := s.start(ctx, "purge", attribute.String("leaseq.queue", queueName))
	n, err := s.next.Purge(ctx, queueName)
	if err == nil {
		log.InfoFields("purged queue", map[string]any{"queue": queueName, "deleted": n})
	}
	s.finish(span, "purge", began, err)
	return n, err
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, span, began := s.start(ctx, "ensure_schema")
	err := s.next.EnsureSchema(ctx)
	s.finish(span, "ensure_schema", began, err)
	return err
}

func (s *Store) CheckSchema(ctx context.Context) error {
	ctx, span, began := s.start(ctx, "check_schema")
	err := s.next.CheckSchema(ctx)
	s.finish(span, "check_schema", began, err)
	return err
}

func (s *Store) Close() {
	s.next.Close()
}
