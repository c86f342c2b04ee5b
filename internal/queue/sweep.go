package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/nulpointcorp/llm-controlplane/internal/store"
)

// BucketDepth returns the number of pending ids in the (model, priority)
// bucket.
func (q *Queue) BucketDepth(ctx context.Context, model string, p Priority) (int64, error) {
	n, err := q.st.LLen(ctx, BucketKey(model, p))
	if err != nil {
		return 0, fmt.Errorf("queue: depth %s/%s: %w", model, p, err)
	}
	return n, nil
}

// Depths returns the depth of every bucket of model and refreshes the depth
// gauges.
func (q *Queue) Depths(ctx context.Context, model string) (map[Priority]int64, error) {
	out := make(map[Priority]int64, len(Priorities))
	for _, p := range Priorities {
		n, err := q.BucketDepth(ctx, model, p)
		if err != nil {
			return nil, err
		}
		out[p] = n
		if q.metrics != nil {
			q.metrics.SetQueueDepth(model, p.String(), n)
		}
	}
	return out, nil
}

// Depth returns the total number of pending requests of model.
func (q *Queue) Depth(ctx context.Context, model string) (int64, error) {
	depths, err := q.Depths(ctx, model)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, n := range depths {
		total += n
	}
	return total, nil
}

// Models lists the models that have at least one bucket in the store.
func (q *Queue) Models(ctx context.Context) ([]string, error) {
	keys, err := q.st.Scan(ctx, bucketPattern())
	if err != nil {
		return nil, fmt.Errorf("queue: list models: %w", err)
	}
	models := make([]string, 0, len(keys))
	for _, k := range keys {
		if model, _, ok := parseBucketKey(k); ok {
			models = append(models, model)
		}
	}
	slices.Sort(models)
	return slices.Compact(models), nil
}

// ClearExpired sweeps every bucket of every model and removes the requests
// whose deadline has elapsed, along with ids whose record already expired.
// It returns the number removed. Store failures end the sweep early and are
// logged.
func (q *Queue) ClearExpired(ctx context.Context) int {
	keys, err := q.st.Scan(ctx, bucketPattern())
	if err != nil {
		q.log.WarnContext(ctx, "queue_sweep_error", slog.String("error", err.Error()))
		return 0
	}

	var removed int
	for _, bucket := range keys {
		model, p, ok := parseBucketKey(bucket)
		if !ok {
			continue
		}
		ids, err := q.st.LRange(ctx, bucket, 0, -1)
		if err != nil {
			q.log.WarnContext(ctx, "queue_sweep_error",
				slog.String("bucket", bucket),
				slog.String("error", err.Error()),
			)
			return removed
		}

		now := q.now()
		for _, id := range ids {
			req, err := q.load(ctx, id)
			switch {
			case errors.Is(err, store.ErrNotFound):
			case err != nil:
				continue
			case !req.Expired(now):
				continue
			}

			// Zero means a dequeuer got there first.
			n, err := q.st.LRem(ctx, bucket, 1, id)
			if err != nil || n == 0 {
				continue
			}
			_, _ = q.st.Del(ctx, metadataKey(id))
			q.expired(ctx, model, p, id)
			removed++
		}
	}

	if removed > 0 {
		q.log.InfoContext(ctx, "queue_sweep_completed", slog.Int("removed", removed))
	}
	return removed
}

// PromoteAged relocates requests of model that waited past the aging
// threshold (since enqueue or their last promotion) to the tail of the
// bucket one level up. Buckets are visited from HIGH down so a request moves
// at most one level per sweep. It returns the number of promotions.
//
// Dequeue already promotes at read time; this sweep additionally lets aged
// low-priority work overtake a busy higher bucket.
func (q *Queue) PromoteAged(ctx context.Context, model string) int {
	var promoted int
	now := q.now()

	for _, p := range Priorities[1:] {
		from := BucketKey(model, p)
		ids, err := q.st.LRange(ctx, from, 0, -1)
		if err != nil {
			q.log.WarnContext(ctx, "queue_promote_error",
				slog.String("model", model),
				slog.String("error", err.Error()),
			)
			return promoted
		}

		to := BucketKey(model, p.Boost())
		for _, id := range ids {
			req, err := q.load(ctx, id)
			if err != nil || req.Expired(now) || now.Sub(req.agedSince()) <= q.agingThreshold {
				continue
			}
			if depth, err := q.st.LLen(ctx, to); err != nil || depth >= q.maxDepth {
				continue
			}

			n, err := q.st.LRem(ctx, from, 1, id)
			if err != nil || n == 0 {
				continue
			}
			prev := *req
			q.promote(ctx, req, now)
			if err := q.save(ctx, req); err != nil {
				// Keep the request reachable at its old level.
				_, _ = q.st.LPush(ctx, from, id)
				continue
			}
			depth, err := q.st.RPush(ctx, to, id)
			if err != nil || depth > q.maxDepth {
				// The bucket above filled up meanwhile; undo the move.
				if err == nil {
					_, _ = q.st.LRem(ctx, to, -1, id)
				}
				_ = q.save(ctx, &prev)
				_, _ = q.st.LPush(ctx, from, id)
				q.log.DebugContext(ctx, "queue_promote_skipped",
					slog.String("request_id", id),
					slog.String("model", model),
					slog.String("to", p.Boost().String()),
				)
				continue
			}
			promoted++
		}
	}
	return promoted
}

func bucketPattern() string {
	return bucketPrefix + store.Separator + "*"
}

// parseBucketKey splits queue::<model>::<PRIORITY>. Model names may contain
// the separator themselves.
func parseBucketKey(key string) (string, Priority, bool) {
	rest, ok := strings.CutPrefix(key, bucketPrefix+store.Separator)
	if !ok {
		return "", 0, false
	}
	i := strings.LastIndex(rest, store.Separator)
	if i <= 0 {
		return "", 0, false
	}
	p, err := ParsePriority(rest[i+len(store.Separator):])
	if err != nil {
		return "", 0, false
	}
	return rest[:i], p, true
}
