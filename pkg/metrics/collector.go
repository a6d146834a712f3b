// Package metrics holds per-node counters, latency reservoirs, and per-peer
// health tracking, exported both as a read-only Snapshot and as Prometheus
// series scraped at /metrics. No HTTP route serves Snapshot; /metrics
// exposes only the Prometheus series.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"github.com/quorumkv/quorumkv/pkg/rpc"
)

// Collector is the process-wide metrics owner. A node creates exactly one
// and shares it with the coordinator and repair queue.
type Collector struct {
	reads             prometheus.Counter
	writes            prometheus.Counter
	deletes           prometheus.Counter
	readRepairs       prometheus.Counter
	conflictsReturned prometheus.Counter
	quorumFailures      *prometheus.CounterVec
	quorumFailuresTotal atomicCounter
	latencySeconds      *prometheus.HistogramVec

	peerTotal      *prometheus.CounterVec
	peerSuccesses  *prometheus.CounterVec
	peerTimeouts   *prometheus.CounterVec
	repairDropped  prometheus.Counter

	reservoirs struct {
		mu   sync.Mutex
		byOp map[string]*LatencyReservoir
	}

	peerHealth sync.Map // peer string -> *peerHealthCounters
}

type peerHealthCounters struct {
	total, successes, timeouts atomicCounter
}

type atomicCounter struct {
	n atomic.Uint64
}

func (a *atomicCounter) inc()          { a.n.Add(1) }
func (a *atomicCounter) load() uint64  { return a.n.Load() }

// New creates a Collector and registers its series with the default
// Prometheus registry.
func New(nodeID string) *Collector {
	labels := prometheus.Labels{"node_id": nodeID}

	c := &Collector{
		reads: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "quorumkv",
			Name:        "reads_total",
			Help:        "Total number of client read requests.",
			ConstLabels: labels,
		}),
		writes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "quorumkv",
			Name:        "writes_total",
			Help:        "Total number of client write requests.",
			ConstLabels: labels,
		}),
		deletes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "quorumkv",
			Name:        "deletes_total",
			Help:        "Total number of client delete requests.",
			ConstLabels: labels,
		}),
		readRepairs: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "quorumkv",
			Name:        "read_repairs_total",
			Help:        "Total number of read repair tasks enqueued.",
			ConstLabels: labels,
		}),
		conflictsReturned: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "quorumkv",
			Name:        "conflicts_returned_total",
			Help:        "Total number of reads whose reconciled set had >=2 siblings.",
			ConstLabels: labels,
		}),
		quorumFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "quorumkv",
			Name:        "quorum_failures_total",
			Help:        "Total number of requests that failed to reach quorum, by op.",
			ConstLabels: labels,
		}, []string{"op"}),
		latencySeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "quorumkv",
			Name:        "request_duration_seconds",
			Help:        "Coordinator request latency by op.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"op"}),
		peerTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "quorumkv",
			Name:        "peer_requests_total",
			Help:        "Total replica RPCs issued, by peer.",
			ConstLabels: labels,
		}, []string{"peer"}),
		peerSuccesses: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "quorumkv",
			Name:        "peer_successes_total",
			Help:        "Successful replica RPCs, by peer.",
			ConstLabels: labels,
		}, []string{"peer"}),
		peerTimeouts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "quorumkv",
			Name:        "peer_timeouts_total",
			Help:        "Replica RPCs that exceeded the per-peer deadline, by peer.",
			ConstLabels: labels,
		}, []string{"peer"}),
		repairDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "quorumkv",
			Name:        "repair_dropped_total",
			Help:        "Total number of repair tasks dropped due to queue overflow.",
			ConstLabels: labels,
		}),
	}
	c.reservoirs.byOp = make(map[string]*LatencyReservoir)
	return c
}

func (c *Collector) reservoirFor(op string) *LatencyReservoir {
	c.reservoirs.mu.Lock()
	defer c.reservoirs.mu.Unlock()
	r, ok := c.reservoirs.byOp[op]
	if !ok {
		r = NewLatencyReservoir(512)
		c.reservoirs.byOp[op] = r
	}
	return r
}

// RecordRead records a completed get that reached its read quorum; a get
// that fails quorum is counted by RecordQuorumFailure instead.
func (c *Collector) RecordRead(d time.Duration) {
	c.reads.Inc()
	c.latencySeconds.WithLabelValues("get").Observe(d.Seconds())
	c.reservoirFor("get").Add(d)
}

// RecordWrite records a completed put.
func (c *Collector) RecordWrite(d time.Duration) {
	c.writes.Inc()
	c.latencySeconds.WithLabelValues("put").Observe(d.Seconds())
	c.reservoirFor("put").Add(d)
}

// RecordDelete records a completed delete.
func (c *Collector) RecordDelete(d time.Duration) {
	c.deletes.Inc()
	c.latencySeconds.WithLabelValues("delete").Observe(d.Seconds())
	c.reservoirFor("delete").Add(d)
}

// RecordConflict marks a read whose reconciled set had >=2 siblings.
func (c *Collector) RecordConflict() {
	c.conflictsReturned.Inc()
}

// RecordQuorumFailure marks a request of the given op that failed to reach
// quorum.
func (c *Collector) RecordQuorumFailure(op string) {
	c.quorumFailures.WithLabelValues(op).Inc()
	c.quorumFailuresTotal.inc()
}

// RecordRepairEnqueued marks a repair task handed to the repair queue.
func (c *Collector) RecordRepairEnqueued() {
	c.readRepairs.Inc()
}

// RecordRepairDropped marks a repair task dropped by queue overflow.
func (c *Collector) RecordRepairDropped() {
	c.repairDropped.Inc()
}

// RecordPeerOutcome implements rpc.HealthRecorder: every peer RPC updates
// this node's synchronous view of that peer's health, which is also
// mirrored into the Prometheus counters above for scraping.
func (c *Collector) RecordPeerOutcome(peer string, outcome rpc.Outcome) {
	hc := c.healthFor(peer)
	hc.total.inc()
	c.peerTotal.WithLabelValues(peer).Inc()

	switch outcome {
	case rpc.OK:
		hc.successes.inc()
		c.peerSuccesses.WithLabelValues(peer).Inc()
	case rpc.Timeout:
		hc.timeouts.inc()
		c.peerTimeouts.WithLabelValues(peer).Inc()
	}
}

func (c *Collector) healthFor(peer string) *peerHealthCounters {
	v, _ := c.peerHealth.LoadOrStore(peer, &peerHealthCounters{})
	return v.(*peerHealthCounters)
}

// Snapshot is the read-only view of a node's metrics, matching §4.6.
type Snapshot struct {
	Reads             uint64
	Writes            uint64
	Deletes           uint64
	ReadRepairs       uint64
	ConflictsReturned uint64
	QuorumFailures    uint64
	Latency           map[string]LatencyStats
	PeerHealth        map[string]PeerHealthSnapshot
}

// PeerHealthSnapshot is the per-peer view named in §4.6: totals plus the
// derived success/timeout rates.
type PeerHealthSnapshot struct {
	TotalRequests uint64
	Successes     uint64
	Timeouts      uint64
	SuccessRate   float64
	TimeoutRate   float64
}

// Snapshot renders the current state as a plain struct, reading counter
// values directly rather than through the Prometheus exposition format.
// Nothing in the coordinator or the HTTP API reads it.
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		Latency:    make(map[string]LatencyStats),
		PeerHealth: make(map[string]PeerHealthSnapshot),
	}

	s.Reads = counterValue(c.reads)
	s.Writes = counterValue(c.writes)
	s.Deletes = counterValue(c.deletes)
	s.ReadRepairs = counterValue(c.readRepairs)
	s.ConflictsReturned = counterValue(c.conflictsReturned)
	s.QuorumFailures = c.quorumFailuresTotal.load()

	c.reservoirs.mu.Lock()
	for op, r := range c.reservoirs.byOp {
		s.Latency[op] = r.Snapshot()
	}
	c.reservoirs.mu.Unlock()

	c.peerHealth.Range(func(key, value any) bool {
		peer := key.(string)
		hc := value.(*peerHealthCounters)
		total := hc.total.load()
		successes := hc.successes.load()
		timeouts := hc.timeouts.load()

		snap := PeerHealthSnapshot{TotalRequests: total, Successes: successes, Timeouts: timeouts}
		if total > 0 {
			snap.SuccessRate = float64(successes) / float64(total)
			snap.TimeoutRate = float64(timeouts) / float64(total)
		}
		s.PeerHealth[peer] = snap
		return true
	})

	return s
}

// counterValue reads the current value of a prometheus.Counter without
// going through the text exposition format.
func counterValue(c prometheus.Counter) uint64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return uint64(m.GetCounter().GetValue())
}
