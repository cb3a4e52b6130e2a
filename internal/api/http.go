package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aridsondez/leaseq/internal/log"
	"github.com/aridsondez/leaseq/internal/metrics"
	"github.com/aridsondez/leaseq/internal/notify"
	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store"
)

// Options bounds what a single request may ask for.
type Options struct {
	DefaultVisibility time.Duration
	MaxReceive        int
	// MaxWait caps wait_ms on receive. Zero disables long polling.
	MaxWait time.Duration
	// PollInterval is how often a long-poll re-claims without a wakeup, so
	// delayed messages and lapsed leases are picked up.
	PollInterval   time.Duration
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

func (o *Options) setDefaults() {
	if o.DefaultVisibility <= 0 {
		o.DefaultVisibility = 30 * time.Second
	}
	if o.MaxReceive <= 0 {
		o.MaxReceive = 10
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 1 << 20
	}
}

type Server struct {
	store store.Store
	hub   *notify.Hub
	opts  Options
}

func NewServer(addr string, s store.Store, hub *notify.Hub, opts Options) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(s, hub, opts),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewRouter builds the HTTP API. hub may be nil, in which case long polls
// fall back to periodic re-claims.
func NewRouter(s store.Store, hub *notify.Hub, opts Options) http.Handler {
	opts.setDefaults()
	srv := &Server{store: s, hub: hub, opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(tracing)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	// Long polls may hold a request for up to MaxWait.
	r.Use(middleware.Timeout(opts.RequestTimeout + opts.MaxWait))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", srv.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// enqueue: POST /v1/queues/{queue}/messages
		r.Post("/queues/{queue}/messages", srv.handleEnqueue)
		// purge: DELETE /v1/queues/{queue}/messages
		r.Delete("/queues/{queue}/messages", srv.handlePurge)
		// count: GET /v1/queues/{queue}/count
		r.Get("/queues/{queue}/count", srv.handleCount)

		// receive: POST /v1/queues/{queue}:receive
		r.Post("/queues/{queue}:receive", srv.handleReceive)

		// POST /v1/messages/{id}:ack, :release, :extend
		r.Post("/messages/{id}:ack", srv.handleAck)
		r.Post("/messages/{id}:release", srv.handleRelease)
		r.Post("/messages/{id}:extend", srv.handleExtend)
	})

	return r
}

type enqueueRequest struct {
	Body    json.RawMessage `json:"body"`
	DelayMS int64           `json:"delay_ms,omitempty"`
}

type enqueueResponse struct {
	ID int64 `json:"id"`
}

type receiveRequest struct {
	Max          int   `json:"max"`
	VisibilityMS int64 `json:"visibility_ms"`
	WaitMS       int64 `json:"wait_ms"`
}

type receivedMessage struct {
	ID           int64           `json:"id"`
	Body         json.RawMessage `json:"body"`
	Receipt      string          `json:"receipt"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	VisibleUntil time.Time       `json:"visible_until"`
	Attempts     int             `json:"attempts"`
}

type leaseRequest struct {
	Receipt      string `json:"receipt"`
	VisibilityMS int64  `json:"visibility_ms,omitempty"`
}

type leaseResponse struct {
	OK      bool   `json:"ok"`
	Outcome string `json:"outcome"`
}

type countResponse struct {
	Queue string `json:"queue"`
	Count int    `json:"count"`
}

type purgeResponse struct {
	Purged int `json:"purged"`
}

// ---------- Handlers ----------

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.CheckSchema(r.Context()); err != nil {
		s.storeError(w, r, "check schema", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	var req enqueueRequest
	if err := s.decode(w, r, &req, false); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if len(req.Body) == 0 || string(req.Body) == "null" {
		httpError(w, http.StatusBadRequest, "`body` is required")
		return
	}
	if req.DelayMS < 0 {
		httpError(w, http.StatusBadRequest, "`delay_ms` must not be negative")
		return
	}
	delay, err := millis("delay_ms", req.DelayMS)
	if err != nil {
		httpError(w, http.StatusBadRequest, "%v", err)
		return
	}

	msg := queue.Message{Queue: qname, Payload: []byte(req.Body)}
	id, err := s.store.Enqueue(r.Context(), msg, delay)
	if err != nil {
		s.storeError(w, r, "enqueue", err)
		return
	}
	if s.hub != nil && req.DelayMS == 0 {
		s.hub.Publish(qname)
	}
	writeJSON(w, http.StatusCreated, &enqueueResponse{ID: id})
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	var req receiveRequest
	if err := s.decode(w, r, &req, true); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if req.Max <= 0 {
		req.Max = 1
	}
	if req.Max > s.opts.MaxReceive {
		req.Max = s.opts.MaxReceive
	}
	vis, err := millis("visibility_ms", req.VisibilityMS)
	if err != nil {
		httpError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if vis <= 0 {
		vis = s.opts.DefaultVisibility
	}
	wait, err := millis("wait_ms", req.WaitMS)
	if err != nil {
		httpError(w, http.StatusBadRequest, "%v", err)
		return
	}
	wait = min(wait, s.opts.MaxWait)

	out, err := s.receive(r.Context(), queue.ClaimOptions{Queue: qname, Limit: req.Max, Visibility: vis}, wait)
	if err != nil {
		s.storeError(w, r, "claim", err)
		return
	}

	resp := make([]receivedMessage, 0, len(out))
	for _, m := range out {
		resp = append(resp, receivedMessage{
			ID:           m.ID,
			Body:         rawBody(m.Payload),
			Receipt:      m.Receipt().String(),
			EnqueuedAt:   m.EnqueuedAt,
			VisibleUntil: m.VisibleAt,
			Attempts:     m.Attempts,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// receive claims, and when nothing is eligible waits up to wait for an
// enqueue on the queue before claiming again.
func (s *Server) receive(ctx context.Context, opts queue.ClaimOptions, wait time.Duration) ([]queue.Message, error) {
	deadline := time.Now().Add(wait)
	waited := false
	for {
		var wake <-chan struct{}
		unsubscribe := func() {}
		if s.hub != nil && wait > 0 {
			wake, unsubscribe = s.hub.Subscribe(opts.Queue)
		}
		msgs, err := s.store.Claim(ctx, opts)
		if err != nil || len(msgs) > 0 {
			unsubscribe()
			if waited && err == nil {
				metrics.LongPollWaits.WithLabelValues("woken").Inc()
			}
			return msgs, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			unsubscribe()
			if waited {
				metrics.LongPollWaits.WithLabelValues("timeout").Inc()
			}
			return msgs, nil
		}
		waited = true
		notify.Wait(ctx, wake, min(remaining, s.opts.PollInterval))
		unsubscribe()
	}
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	n, err := s.store.Count(r.Context(), qname)
	if err != nil {
		s.storeError(w, r, "count", err)
		return
	}
	writeJSON(w, http.StatusOK, &countResponse{Queue: qname, Count: n})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.Purge(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		s.storeError(w, r, "purge", err)
		return
	}
	writeJSON(w, http.StatusOK, &purgeResponse{Purged: n})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	s.lease(w, r, "ack", func(ctx context.Context, rc queue.Receipt, _ leaseRequest) (queue.Outcome, error) {
		return s.store.Ack(ctx, rc)
	})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.lease(w, r, "release", func(ctx context.Context, rc queue.Receipt, _ leaseRequest) (queue.Outcome, error) {
		return s.store.Release(ctx, rc)
	})
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	s.lease(w, r, "extend lease", func(ctx context.Context, rc queue.Receipt, req leaseRequest) (queue.Outcome, error) {
		vis, err := millis("visibility_ms", req.VisibilityMS)
		if err != nil {
			return queue.NotFound, err
		}
		if vis <= 0 {
			vis = s.opts.DefaultVisibility
		}
		return s.store.ExtendLease(ctx, rc, vis)
	})
}

type leaseFunc func(ctx context.Context, rc queue.Receipt, req leaseRequest) (queue.Outcome, error)

// lease parses the id and receipt shared by the lifecycle routes, runs fn
// and maps its outcome to a status code.
func (s *Server) lease(w http.ResponseWriter, r *http.Request, op string, fn leaseFunc) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid id: %v", err)
		return
	}
	var req leaseRequest
	if err := s.decode(w, r, &req, false); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	rc, err := queue.ParseReceipt(req.Receipt)
	if err != nil {
		httpError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if rc.ID != id {
		httpError(w, http.StatusBadRequest, "receipt is for message %d, not %d", rc.ID, id)
		return
	}

	out, err := fn(r.Context(), rc, req)
	if err != nil {
		s.storeError(w, r, op, err)
		return
	}
	switch out {
	case queue.OK:
		writeJSON(w, http.StatusOK, &leaseResponse{OK: true, Outcome: out.String()})
	case queue.Expired:
		writeJSON(w, http.StatusConflict, &leaseResponse{Outcome: out.String()})
	default:
		writeJSON(w, http.StatusNotFound, &leaseResponse{Outcome: out.String()})
	}
}

// ---------- helpers ----------

// maxMillis is the largest millisecond count a time.Duration can hold.
const maxMillis = math.MaxInt64 / int64(time.Millisecond)

// millis converts a request field in milliseconds to a duration. Values that
// would overflow are rejected rather than wrapped.
func millis(field string, ms int64) (time.Duration, error) {
	if ms > maxMillis {
		return 0, fmt.Errorf("%w: `%s` must be at most %d", queue.ErrInvalidArgument, field, maxMillis)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// decode reads a JSON body. allowEmpty accepts a missing body as zero values.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	err := json.NewDecoder(body).Decode(v)
	if allowEmpty && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidArgument):
		httpError(w, http.StatusBadRequest, "%s: %v", op, err)
	case errors.Is(err, queue.ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		w.Header().Set("Retry-After", "1")
		httpError(w, http.StatusServiceUnavailable, "%s failed: %v", op, err)
	default:
		log.FromContext(r.Context()).ErrorFields("request failed", err, map[string]any{"op": op})
		httpError(w, http.StatusInternalServerError, "%s failed: %v", op, err)
	}
}

// rawBody returns payload as JSON, quoting it when it is not valid JSON.
func rawBody(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
