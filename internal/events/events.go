// Package events implements a non-blocking, batched dispatch-event log.
//
// Events are written to an internal buffered channel and flushed in batches
// by a background goroutine, so recording never blocks a dispatcher. If the
// channel fills up, new events are dropped and counted.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-controlplane/internal/metrics"
)

const (
	defaultBuffer        = 10_000
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
)

// Outcomes of a dispatch attempt.
const (
	OutcomeOK          = "ok"
	OutcomeError       = "error"
	OutcomeNoProvider  = "no_provider"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeAbandoned   = "abandoned"
	OutcomeCacheHit    = "cache_hit"
)

// Event describes one dispatch decision.
type Event struct {
	ID           uuid.UUID
	RequestID    string
	Model        string
	Provider     string
	Priority     string
	Strategy     string
	Outcome      string
	InputTokens  uint32
	OutputTokens uint32
	LatencyMs    uint32
	Retry        uint16
	Cached       bool
	CreatedAt    time.Time
}

// Sink persists a batch of events.
type Sink interface {
	Write(ctx context.Context, batch []Event) error
}

// Options configure a Logger. Zero values select the defaults.
type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Registry
}

// Logger buffers events and hands them to a Sink in batches.
type Logger struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	sink          Sink
	batchSize     int
	flushInterval time.Duration

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry
}

// New starts a Logger flushing into sink.
func New(ctx context.Context, sink Sink, opts Options) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("events: context must not be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("events: sink must not be nil")
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBuffer
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	l := &Logger{
		ch:            make(chan Event, opts.BufferSize),
		done:          make(chan struct{}),
		sink:          sink,
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		baseCtx:       ctx,
		log:           opts.Logger,
		metrics:       opts.Metrics,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Record queues e for the next flush. It never blocks.
func (l *Logger) Record(e Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	select {
	case l.ch <- e:
	default:
		l.drop(1)
	}
}

// Dropped returns how many events were lost to a full buffer or a failed
// flush.
func (l *Logger) Dropped() int64 {
	return atomic.LoadInt64(&l.dropped)
}

// Close flushes what is buffered and stops the background goroutine.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) drop(n int) {
	atomic.AddInt64(&l.dropped, int64(n))
	if l.metrics != nil {
		l.metrics.AddEventsDropped(int64(n))
	}
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, l.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for i := range batch {
			batch[i].CreatedAt = normalizeTime(batch[i].CreatedAt)
		}
		// The base context may already be cancelled during shutdown; the
		// final flush still gets a bounded attempt.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(l.baseCtx), 5*time.Second)
		defer cancel()
		if err := l.sink.Write(ctx, batch); err != nil {
			l.drop(len(batch))
			l.log.WarnContext(ctx, "events_flush_error",
				slog.Int("events", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= l.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
					if len(batch) >= l.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
