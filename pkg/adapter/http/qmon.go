package http

import (
	"sync/atomic"

	"github.com/marmos91/ferment/internal/logger"
	"github.com/marmos91/ferment/internal/ratelimiter"
	"github.com/marmos91/ferment/pkg/metrics"
	"github.com/puzpuzpuz/xsync/v3"
)

// queueMonitor counts work waiting for a worker: connections handed off
// but not yet registered, and parsed requests not yet dispatched.
//
// It only observes. Nothing is ever delayed or rejected because of it.
type queueMonitor struct {
	total     *xsync.Counter
	perWorker []atomic.Int64
	threshold int64
	limiter   *ratelimiter.RateLimiter
	metrics   metrics.HTTPMetrics
}

// newQueueMonitor creates a monitor for numWorkers workers. threshold 0
// disables the warning.
func newQueueMonitor(numWorkers, threshold int, m metrics.HTTPMetrics) *queueMonitor {
	return &queueMonitor{
		total:     xsync.NewCounter(),
		perWorker: make([]atomic.Int64, numWorkers),
		threshold: int64(threshold),
		limiter:   ratelimiter.New(1, 3),
		metrics:   m,
	}
}

func (q *queueMonitor) inc(worker int) {
	q.total.Inc()
	q.perWorker[worker].Add(1)

	depth := q.total.Value()
	q.metrics.SetQueueDepth(depth)

	if q.threshold > 0 && depth > q.threshold {
		if ok, suppressed := q.limiter.AllowWithSuppressed(); ok {
			logger.Warn("Queue depth %d exceeds threshold %d (worker %d: %d, %d warnings suppressed)",
				depth, q.threshold, worker, q.perWorker[worker].Load(), suppressed)
		}
	}
}

func (q *queueMonitor) dec(worker int) {
	q.total.Dec()
	q.perWorker[worker].Add(-1)
	q.metrics.SetQueueDepth(q.total.Value())
}

// depth returns the current total queue depth.
func (q *queueMonitor) depth() int64 {
	return q.total.Value()
}

// workerDepth returns the queue depth of one worker.
func (q *queueMonitor) workerDepth(worker int) int64 {
	return q.perWorker[worker].Load()
}
