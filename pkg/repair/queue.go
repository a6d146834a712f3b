// Package repair implements the background read-repair queue: a bounded
// channel drained by a small worker pool that pushes reconciled versions to
// replicas a read observed to be stale. It never blocks the request that
// triggered it.
package repair

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/quorumkv/quorumkv/pkg/versioning"
)

// Task is one repair job: push versions to peer for key. CorrelationID
// carries the ID of the read that discovered the staleness, so a worker's
// log line can be traced back to the request that triggered it.
type Task struct {
	Key           string
	Versions      []versioning.Version
	Peer          string
	CorrelationID string
}

// Pusher delivers a single reconciled version to a peer, local or remote.
// The queue counts and logs a failed push, then goes on to the next
// version in the task either way.
type Pusher interface {
	Push(ctx context.Context, peer, key string, version versioning.Version) error
}

// DropRecorder is notified when queue overflow forces a task out before a
// worker could run it.
type DropRecorder interface {
	RecordRepairDropped()
}

type noopDropRecorder struct{}

func (noopDropRecorder) RecordRepairDropped() {}

// Queue is a bounded, drop-oldest repair task queue with a fixed worker pool.
type Queue struct {
	tasks   chan Task
	pusher  Pusher
	logger  *zap.Logger
	metrics DropRecorder
	wg      sync.WaitGroup
	stopped chan struct{}

	enqueued uint64
	dropped  uint64
	pushOK   uint64
	pushFail uint64
}

// New creates a repair queue with the given capacity and worker count and
// starts its workers draining it. Call Stop to shut it down.
func New(pusher Pusher, capacity, workers int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	if workers < 1 {
		workers = 1
	}
	q := &Queue{
		tasks:   make(chan Task, capacity),
		pusher:  pusher,
		logger:  zap.NewNop(),
		metrics: noopDropRecorder{},
		stopped: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// SetLogger attaches a logger for per-push failure diagnostics. Safe to
// call once, before the first task is enqueued.
func (q *Queue) SetLogger(logger *zap.Logger) {
	if logger != nil {
		q.logger = logger
	}
}

// SetMetrics attaches a drop recorder so queue overflow is visible outside
// Snapshot. Safe to call once, before the first task is enqueued.
func (q *Queue) SetMetrics(m DropRecorder) {
	if m != nil {
		q.metrics = m
	}
}

// Enqueue adds a task, dropping the oldest pending task if the queue is
// full. This never blocks the caller.
func (q *Queue) Enqueue(t Task) {
	atomic.AddUint64(&q.enqueued, 1)
	select {
	case q.tasks <- t:
		return
	default:
	}

	// Queue is full: drop the oldest pending task to make room.
	select {
	case <-q.tasks:
		atomic.AddUint64(&q.dropped, 1)
		q.metrics.RecordRepairDropped()
	default:
	}
	select {
	case q.tasks <- t:
	default:
		atomic.AddUint64(&q.dropped, 1)
		q.metrics.RecordRepairDropped()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case t, ok := <-q.tasks:
			if !ok {
				return
			}
			q.run(t)
		case <-q.stopped:
			return
		}
	}
}

func (q *Queue) run(t Task) {
	ctx := context.Background()
	for _, v := range t.Versions {
		if err := q.pusher.Push(ctx, t.Peer, t.Key, v); err != nil {
			atomic.AddUint64(&q.pushFail, 1)
			q.logger.Warn("read repair push failed",
				zap.String("peer", t.Peer),
				zap.String("key", t.Key),
				zap.String("correlation_id", t.CorrelationID),
				zap.Error(err))
			continue
		}
		atomic.AddUint64(&q.pushOK, 1)
	}
}

// Stop shuts the worker pool down, waiting for in-flight tasks to finish.
func (q *Queue) Stop() {
	close(q.stopped)
	q.wg.Wait()
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Enqueued      uint64
	Dropped       uint64
	PushSucceeded uint64
	PushFailed    uint64
}

// Snapshot returns the current counters.
func (q *Queue) Snapshot() Stats {
	return Stats{
		Enqueued:      atomic.LoadUint64(&q.enqueued),
		Dropped:       atomic.LoadUint64(&q.dropped),
		PushSucceeded: atomic.LoadUint64(&q.pushOK),
		PushFailed:    atomic.LoadUint64(&q.pushFail),
	}
}
