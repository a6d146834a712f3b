package dynamo

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/quorumkv/quorumkv/pkg/metrics"
	"github.com/quorumkv/quorumkv/pkg/repair"
	"github.com/quorumkv/quorumkv/pkg/ring"
	"github.com/quorumkv/quorumkv/pkg/rpc"
	"github.com/quorumkv/quorumkv/pkg/storage"
	"github.com/quorumkv/quorumkv/pkg/versioning"
)

// Node is symmetric: every node carries the ring, storage, peer client,
// metrics, and repair queue, and any node may coordinate any request.
type Node struct {
	id     string
	config *Config
	logger *zap.Logger

	ring        *ring.Ring
	storage     storage.Storage
	peerClient  *rpc.Client
	metrics     *metrics.Collector
	repairQueue *repair.Queue
	coordinator *Coordinator
}

// NewNode wires a node's components together. Peers (including self) and
// VirtualNodes in config must be identical on every node in the cluster.
func NewNode(id string, config *Config, logger *zap.Logger) (*Node, error) {
	if config == nil {
		config = DefaultConfig()
		config.Self = id
		config.Peers = []string{id}
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	n := &Node{
		id:      id,
		config:  config,
		logger:  logger,
		ring:    ring.New(config.Peers, config.VirtualNodes),
		storage: storage.NewMemoryStorage(),
		metrics: metrics.New(id),
	}
	n.peerClient = rpc.NewClient(config.PeerTimeout, n.metrics)
	n.repairQueue = repair.New(n, config.RepairQueueCapacity, config.RepairWorkers)
	n.repairQueue.SetLogger(logger)
	n.repairQueue.SetMetrics(n.metrics)
	n.coordinator = NewCoordinator(n)

	return n, nil
}

// ID returns this node's stable identifier.
func (n *Node) ID() string { return n.id }

// Metrics exposes the node's metrics collector, including its Snapshot.
// The HTTP /metrics route does not use it; it serves the default
// Prometheus registry.
func (n *Node) Metrics() *metrics.Collector { return n.metrics }

// StorageFor gives the internal replica API direct access to local
// storage; the replica routes bypass the coordinator entirely, matching
// §4.3's contract that replica ops act on the local Storage interface.
func (n *Node) StorageFor() storage.Storage { return n.storage }

// Close stops the repair queue and releases peer client connections.
func (n *Node) Close() {
	n.repairQueue.Stop()
	n.peerClient.Close()
}

// Get resolves a read through the coordinator.
func (n *Node) Get(ctx context.Context, key string, params RequestParams) (*GetResult, error) {
	return n.coordinator.Get(ctx, key, params)
}

// Put resolves a write through the coordinator.
func (n *Node) Put(ctx context.Context, key string, value any, clock versioning.VectorClock, params RequestParams) (*PutResult, error) {
	return n.coordinator.Put(ctx, key, value, clock, params)
}

// Delete resolves a tombstone write through the coordinator.
func (n *Node) Delete(ctx context.Context, key string, clock versioning.VectorClock, params RequestParams) (*PutResult, error) {
	return n.coordinator.Delete(ctx, key, clock, params)
}

// localPut and localGet short-circuit the peer client when the
// coordinator's own ID appears in the preference list, per §4.3.

func (n *Node) localPut(key string, v versioning.Version) {
	n.storage.Put(key, v)
}

func (n *Node) localGet(key string) []versioning.Version {
	return n.storage.Get(key)
}

// Push implements repair.Pusher: delivers a single reconciled version to
// peer, dispatching locally when peer is this node.
func (n *Node) Push(ctx context.Context, peer, key string, version versioning.Version) error {
	if peer == n.id {
		n.localPut(key, version)
		return nil
	}
	outcome := n.peerClient.ReplicaPut(ctx, peer, key, version)
	if outcome != rpc.OK {
		return fmt.Errorf("repair push to %s: %s", peer, outcome)
	}
	return nil
}
