package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tinytelemetry/otelgate/internal/metrics"
	"github.com/tinytelemetry/otelgate/internal/model"
)

// Policy selects what Publish does when the queue is full.
type Policy string

const (
	// PolicyBlock waits for space up to BlockTimeout or ctx cancellation.
	PolicyBlock Policy = "block"
	// PolicyDrop fails immediately with ErrBackpressure.
	PolicyDrop Policy = "drop"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyBlock, PolicyDrop:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown sink policy %q (want %q or %q)", s, PolicyBlock, PolicyDrop)
	}
}

const DefaultBlockTimeout = 5 * time.Second

// QueueConfig holds tunable parameters for a Queue.
type QueueConfig struct {
	Size         int
	Policy       Policy
	BlockTimeout time.Duration
	Metrics      *metrics.Metrics
}

// Queue is a bounded buffer in front of another sink. A single worker drains
// it, so records from one session reach the next sink in publish order.
type Queue struct {
	next         Sink
	ch           chan *model.DecodedRecord
	policy       Policy
	blockTimeout time.Duration
	metrics      *metrics.Metrics

	mu       sync.RWMutex
	closed   bool
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewQueue starts the worker goroutine. Call Close to drain and stop it.
func NewQueue(next Sink, conf ...QueueConfig) *Queue {
	size := model.DefaultSinkQueueSize
	policy := PolicyBlock
	blockTimeout := DefaultBlockTimeout
	var m *metrics.Metrics
	if len(conf) > 0 {
		if conf[0].Size > 0 {
			size = conf[0].Size
		}
		if conf[0].Policy != "" {
			policy = conf[0].Policy
		}
		if conf[0].BlockTimeout > 0 {
			blockTimeout = conf[0].BlockTimeout
		}
		m = conf[0].Metrics
	}

	q := &Queue{
		next:         next,
		ch:           make(chan *model.DecodedRecord, size),
		policy:       policy,
		blockTimeout: blockTimeout,
		metrics:      m,
		done:         make(chan struct{}),
	}
	q.wg.Add(1)
	go q.worker()
	return q
}

// Publish enqueues rec. A nil return means the record was accepted into the
// queue, not that the downstream sink has seen it.
func (q *Queue) Publish(ctx context.Context, rec *model.DecodedRecord) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	select {
	case q.ch <- rec:
		q.metrics.SetQueueDepth(len(q.ch))
		return nil
	default:
	}

	if q.policy == PolicyDrop {
		q.metrics.SinkDropped()
		return ErrBackpressure
	}

	timer := time.NewTimer(q.blockTimeout)
	defer timer.Stop()
	select {
	case q.ch <- rec:
		q.metrics.SetQueueDepth(len(q.ch))
		return nil
	case <-timer.C:
		q.metrics.SinkDropped()
		return ErrBackpressure
	case <-ctx.Done():
		q.metrics.SinkDropped()
		return fmt.Errorf("%w: %v", ErrBackpressure, ctx.Err())
	case <-q.done:
		return ErrClosed
	}
}

// Depth returns the number of records waiting for the worker.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Close rejects further publishes, drains what is queued into the next sink
// and waits for the worker to exit. Safe to call more than once.
func (q *Queue) Close() {
	q.stopOnce.Do(func() {
		// Wake publishers blocked on a full queue before taking the write lock.
		close(q.done)
		q.mu.Lock()
		q.closed = true
		close(q.ch)
		q.mu.Unlock()
		q.wg.Wait()
	})
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for rec := range q.ch {
		if err := q.next.Publish(context.Background(), rec); err != nil {
			q.metrics.SinkError("queue")
			log.Warn().Err(err).
				Str("session", rec.SessionID).
				Str("kind", rec.Kind.String()).
				Uint64("seq", rec.Sequence).
				Msg("sink: downstream publish failed")
		}
		q.metrics.SetQueueDepth(len(q.ch))
	}
}
