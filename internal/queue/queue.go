// Package queue is the admission-controlled priority queue in front of the
// providers. Every (model, priority) pair is a FIFO bucket in the shared
// store; request bodies live in separate records with a TTL:
//
//	queue::<model>::<PRIORITY>   list of request ids
//	queue-metadata::<id>         JSON Request
//
// Correctness rests on single-key atomic list operations only. Two
// dequeuers racing on one bucket never receive the same request because the
// pop is atomic.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-controlplane/internal/metrics"
	"github.com/nulpointcorp/llm-controlplane/internal/store"
)

const (
	bucketPrefix   = "queue"
	metadataPrefix = "queue-metadata"

	DefaultMaxDepth       = 1000
	DefaultAgingThreshold = 30 * time.Second
	DefaultMetadataTTL    = 24 * time.Hour
	DefaultMaxRetries     = 3

	// deadlineGrace keeps a record with a deadline around a little longer than
	// the deadline itself so the expiry is observed and logged.
	deadlineGrace = time.Minute
)

var (
	// ErrQueueFull matches every *QueueFullError.
	ErrQueueFull = errors.New("queue: bucket full")
	// ErrStoreUnavailable wraps store failures of writes that are the whole
	// operation (enqueue, requeue).
	ErrStoreUnavailable = errors.New("queue: store unavailable")
	// ErrRetriesExhausted is returned by Requeue once the retry limit is hit.
	// The request is abandoned.
	ErrRetriesExhausted = errors.New("queue: retries exhausted")
	// ErrNotFound is returned by Cancel for unknown or already dispatched ids.
	ErrNotFound = errors.New("queue: request not found")
	// ErrInvalidRequest is returned by Enqueue for a missing model or an
	// out-of-range priority.
	ErrInvalidRequest = errors.New("queue: invalid request")
)

// QueueFullError is the admission-control rejection. Callers should try
// another priority or model, or shed the request; retrying unchanged is
// pointless.
type QueueFullError struct {
	Model    string
	Priority Priority
	Max      int64
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue: bucket %s/%s full (max %d)", e.Model, e.Priority, e.Max)
}

func (e *QueueFullError) Is(target error) bool { return target == ErrQueueFull }

// Request is a queued unit of work.
type Request struct {
	ID               string            `json:"id"`
	Payload          string            `json:"payload"`
	Model            string            `json:"model"`
	Priority         Priority          `json:"priority"`
	OriginalPriority Priority          `json:"original_priority"`
	EnqueuedAt       time.Time         `json:"enqueued_at"`
	Deadline         time.Duration     `json:"deadline,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	RetryCount       int               `json:"retry_count"`
	LastPromotedAt   time.Time         `json:"last_promoted_at,omitzero"`
}

// WaitTime is how long the request has been queued at now.
func (r *Request) WaitTime(now time.Time) time.Duration { return now.Sub(r.EnqueuedAt) }

// Expired reports whether the request's deadline has elapsed at now.
// Requests without a deadline never expire.
func (r *Request) Expired(now time.Time) bool {
	return r.Deadline > 0 && r.WaitTime(now) > r.Deadline
}

// agedSince is the reference point of the aging threshold: the last
// promotion, or the enqueue time.
func (r *Request) agedSince() time.Time {
	if r.LastPromotedAt.IsZero() {
		return r.EnqueuedAt
	}
	return r.LastPromotedAt
}

// Options configure a Queue. Zero values select the defaults.
type Options struct {
	// MaxDepth is the per-(model, priority) bucket limit (default 1000).
	MaxDepth int64
	// AgingThreshold is the wait after which a request is promoted one level
	// (default 30s).
	AgingThreshold time.Duration
	// MetadataTTL bounds the life of records without a deadline (default 24h).
	MetadataTTL time.Duration
	// MaxRetries bounds Requeue (default 3). Negative disables the limit.
	MaxRetries int

	Logger  *slog.Logger
	Metrics *metrics.Registry
	Now     func() time.Time
}

// Queue is the priority request queue. It holds no request state of its own
// and is safe for concurrent use by any number of producers and dispatchers.
type Queue struct {
	st             store.Store
	maxDepth       int64
	agingThreshold time.Duration
	metadataTTL    time.Duration
	maxRetries     int
	log            *slog.Logger
	metrics        *metrics.Registry
	now            func() time.Time
}

// New creates a Queue over st.
func New(st store.Store, opts Options) *Queue {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.AgingThreshold <= 0 {
		opts.AgingThreshold = DefaultAgingThreshold
	}
	if opts.MetadataTTL <= 0 {
		opts.MetadataTTL = DefaultMetadataTTL
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		st:             st,
		maxDepth:       opts.MaxDepth,
		agingThreshold: opts.AgingThreshold,
		metadataTTL:    opts.MetadataTTL,
		maxRetries:     opts.MaxRetries,
		log:            opts.Logger,
		metrics:        opts.Metrics,
		now:            opts.Now,
	}
}

// MaxDepth returns the configured bucket limit.
func (q *Queue) MaxDepth() int64 { return q.maxDepth }

// Enqueue admits payload into the (model, priority) bucket and returns the
// new request id. deadline ≤ 0 means the request never expires.
//
// A full bucket yields a *QueueFullError (errors.Is ErrQueueFull). Store
// failures yield an error wrapping ErrStoreUnavailable.
func (q *Queue) Enqueue(
	ctx context.Context,
	payload, model string,
	priority Priority,
	deadline time.Duration,
	metadata map[string]string,
) (string, error) {
	if model == "" {
		return "", fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if !priority.Valid() {
		return "", fmt.Errorf("%w: priority %d out of range", ErrInvalidRequest, int(priority))
	}

	bucket := BucketKey(model, priority)
	depth, err := q.st.LLen(ctx, bucket)
	if err != nil {
		return "", q.storeFailed(ctx, "enqueue", model, err)
	}
	if depth >= q.maxDepth {
		return "", q.reject(ctx, model, priority)
	}

	req := &Request{
		ID:               uuid.NewString(),
		Payload:          payload,
		Model:            model,
		Priority:         priority,
		OriginalPriority: priority,
		EnqueuedAt:       q.now().UTC(),
		Deadline:         max(deadline, 0),
		Metadata:         metadata,
	}
	if err := q.save(ctx, req); err != nil {
		return "", q.storeFailed(ctx, "enqueue", model, err)
	}

	n, err := q.st.RPush(ctx, bucket, req.ID)
	if err != nil {
		_, _ = q.st.Del(ctx, metadataKey(req.ID))
		return "", q.storeFailed(ctx, "enqueue", model, err)
	}
	// Concurrent producers may all pass the depth check; whoever lands past
	// the limit takes itself out again.
	if n > q.maxDepth {
		_, _ = q.st.LRem(ctx, bucket, -1, req.ID)
		_, _ = q.st.Del(ctx, metadataKey(req.ID))
		return "", q.reject(ctx, model, priority)
	}

	if q.metrics != nil {
		q.metrics.RecordQueueOp(model, priority.String(), "enqueued")
		q.metrics.SetQueueDepth(model, priority.String(), n)
	}
	q.log.DebugContext(ctx, "queue_request_enqueued",
		slog.String("request_id", req.ID),
		slog.String("model", model),
		slog.String("priority", priority.String()),
		slog.Int64("depth", n),
	)
	return req.ID, nil
}

// Dequeue returns the highest-priority eligible request of model, or false
// when none is pending. Buckets are scanned from CRITICAL down to BULK and
// popped in FIFO order. Expired requests met on the way are discarded.
//
// A request that waited longer than the aging threshold below CRITICAL is
// promoted one level before it is returned; OriginalPriority keeps the level
// it was enqueued with.
func (q *Queue) Dequeue(ctx context.Context, model string) (*Request, bool) {
	for _, p := range Priorities {
		bucket := BucketKey(model, p)
		for {
			id, err := q.st.LPop(ctx, bucket)
			if errors.Is(err, store.ErrNotFound) {
				break
			}
			if err != nil {
				q.log.WarnContext(ctx, "queue_dequeue_error",
					slog.String("model", model),
					slog.String("error", err.Error()),
				)
				return nil, false
			}

			req, err := q.load(ctx, id)
			switch {
			case errors.Is(err, store.ErrNotFound):
				// The record outlived its TTL; the id is all that is left.
				q.expired(ctx, model, p, id)
				continue
			case err != nil:
				// Put the id back where it was rather than lose it.
				_, _ = q.st.LPush(ctx, bucket, id)
				q.log.WarnContext(ctx, "queue_dequeue_error",
					slog.String("model", model),
					slog.String("request_id", id),
					slog.String("error", err.Error()),
				)
				return nil, false
			}

			now := q.now()
			if req.Expired(now) {
				_, _ = q.st.Del(ctx, metadataKey(id))
				q.expired(ctx, model, p, id)
				continue
			}

			if req.Priority < PriorityCritical && now.Sub(req.agedSince()) > q.agingThreshold {
				q.promote(ctx, req, now)
			}

			_, _ = q.st.Del(ctx, metadataKey(id))
			if q.metrics != nil {
				q.metrics.RecordQueueOp(model, p.String(), "dequeued")
				q.metrics.ObserveQueueWait(model, req.OriginalPriority.String(), req.WaitTime(now))
			}
			return req, true
		}
	}
	return nil, false
}

// Requeue returns a dispatched request to the tail of the bucket of its
// current priority with its retry count incremented, e.g. after a provider
// failure. Past the retry limit the request is abandoned and
// ErrRetriesExhausted is returned. The depth limit applies as on Enqueue.
func (q *Queue) Requeue(ctx context.Context, req *Request, reason string) error {
	req.RetryCount++
	if q.maxRetries > 0 && req.RetryCount > q.maxRetries {
		_, _ = q.st.Del(ctx, metadataKey(req.ID))
		if q.metrics != nil {
			q.metrics.RecordQueueOp(req.Model, req.Priority.String(), "abandoned")
		}
		q.log.WarnContext(ctx, "queue_request_abandoned",
			slog.String("request_id", req.ID),
			slog.String("model", req.Model),
			slog.Int("retries", req.RetryCount-1),
			slog.String("reason", reason),
		)
		return fmt.Errorf("queue: requeue %s: %w", req.ID, ErrRetriesExhausted)
	}

	if err := q.save(ctx, req); err != nil {
		return q.storeFailed(ctx, "requeue", req.Model, err)
	}

	bucket := BucketKey(req.Model, req.Priority)
	n, err := q.st.RPush(ctx, bucket, req.ID)
	if err != nil {
		_, _ = q.st.Del(ctx, metadataKey(req.ID))
		return q.storeFailed(ctx, "requeue", req.Model, err)
	}
	if n > q.maxDepth {
		_, _ = q.st.LRem(ctx, bucket, -1, req.ID)
		_, _ = q.st.Del(ctx, metadataKey(req.ID))
		return q.reject(ctx, req.Model, req.Priority)
	}

	if q.metrics != nil {
		q.metrics.RecordQueueOp(req.Model, req.Priority.String(), "requeued")
		q.metrics.SetQueueDepth(req.Model, req.Priority.String(), n)
	}
	q.log.InfoContext(ctx, "queue_request_requeued",
		slog.String("request_id", req.ID),
		slog.String("model", req.Model),
		slog.String("priority", req.Priority.String()),
		slog.Int("retry", req.RetryCount),
		slog.String("reason", reason),
	)
	return nil
}

// Defer returns a dispatched request that could not be served for a
// transient reason (e.g. every provider's circuit is open) to the head of
// the bucket of its current priority. The retry count is left alone. The
// depth limit applies as on Enqueue.
func (q *Queue) Defer(ctx context.Context, req *Request, reason string) error {
	if err := q.save(ctx, req); err != nil {
		return q.storeFailed(ctx, "defer", req.Model, err)
	}

	bucket := BucketKey(req.Model, req.Priority)
	n, err := q.st.LPush(ctx, bucket, req.ID)
	if err != nil {
		_, _ = q.st.Del(ctx, metadataKey(req.ID))
		return q.storeFailed(ctx, "defer", req.Model, err)
	}
	if n > q.maxDepth {
		_, _ = q.st.LRem(ctx, bucket, 1, req.ID)
		_, _ = q.st.Del(ctx, metadataKey(req.ID))
		return q.reject(ctx, req.Model, req.Priority)
	}

	if q.metrics != nil {
		q.metrics.RecordQueueOp(req.Model, req.Priority.String(), "deferred")
		q.metrics.SetQueueDepth(req.Model, req.Priority.String(), n)
	}
	q.log.DebugContext(ctx, "queue_request_deferred",
		slog.String("request_id", req.ID),
		slog.String("model", req.Model),
		slog.String("priority", req.Priority.String()),
		slog.String("reason", reason),
	)
	return nil
}

// Cancel removes a pending request. It returns ErrNotFound when the id is
// unknown or the request was already dispatched.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	req, err := q.load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("queue: cancel %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("queue: cancel %s: %w", id, err)
	}

	removed, err := q.st.LRem(ctx, BucketKey(req.Model, req.Priority), 1, id)
	if err != nil {
		return fmt.Errorf("queue: cancel %s: %w", id, err)
	}
	if removed == 0 {
		return fmt.Errorf("queue: cancel %s: %w", id, ErrNotFound)
	}
	_, _ = q.st.Del(ctx, metadataKey(id))

	if q.metrics != nil {
		q.metrics.RecordQueueOp(req.Model, req.Priority.String(), "cancelled")
	}
	q.log.InfoContext(ctx, "queue_request_cancelled",
		slog.String("request_id", id),
		slog.String("model", req.Model),
	)
	return nil
}

// Get returns the pending request with id.
func (q *Queue) Get(ctx context.Context, id string) (*Request, error) {
	req, err := q.load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("queue: get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get %s: %w", id, err)
	}
	return req, nil
}

// BucketKey is the store key of the (model, priority) bucket.
func BucketKey(model string, p Priority) string {
	return store.Key(bucketPrefix, model, p.String())
}

func metadataKey(id string) string { return store.Key(metadataPrefix, id) }

func (q *Queue) save(ctx context.Context, req *Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return q.st.Set(ctx, metadataKey(req.ID), string(data), q.recordTTL(req))
}

func (q *Queue) load(ctx context.Context, id string) (*Request, error) {
	raw, err := q.st.Get(ctx, metadataKey(id))
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, fmt.Errorf("decode request %s: %w", id, err)
	}
	return &req, nil
}

// recordTTL outlives the deadline by a grace period; requests without one
// fall back to the metadata TTL.
func (q *Queue) recordTTL(req *Request) time.Duration {
	if req.Deadline <= 0 {
		return q.metadataTTL
	}
	remaining := req.Deadline - req.WaitTime(q.now())
	return max(remaining, 0) + deadlineGrace
}

func (q *Queue) promote(ctx context.Context, req *Request, now time.Time) {
	from := req.Priority
	req.Priority = from.Boost()
	req.LastPromotedAt = now.UTC()

	if q.metrics != nil {
		q.metrics.RecordQueueOp(req.Model, from.String(), "promoted")
	}
	q.log.DebugContext(ctx, "queue_request_promoted",
		slog.String("request_id", req.ID),
		slog.String("model", req.Model),
		slog.String("from", from.String()),
		slog.String("to", req.Priority.String()),
	)
}

func (q *Queue) expired(ctx context.Context, model string, p Priority, id string) {
	if q.metrics != nil {
		q.metrics.RecordQueueOp(model, p.String(), "expired")
	}
	q.log.InfoContext(ctx, "queue_request_expired",
		slog.String("request_id", id),
		slog.String("model", model),
		slog.String("priority", p.String()),
	)
}

func (q *Queue) reject(ctx context.Context, model string, p Priority) error {
	if q.metrics != nil {
		q.metrics.RecordQueueOp(model, p.String(), "rejected")
	}
	q.log.WarnContext(ctx, "queue_full",
		slog.String("model", model),
		slog.String("priority", p.String()),
		slog.Int64("max_depth", q.maxDepth),
	)
	return &QueueFullError{Model: model, Priority: p, Max: q.maxDepth}
}

func (q *Queue) storeFailed(ctx context.Context, op, model string, err error) error {
	q.log.ErrorContext(ctx, "queue_store_error",
		slog.String("op", op),
		slog.String("model", model),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("queue: %s: %w: %w", op, ErrStoreUnavailable, err)
}
