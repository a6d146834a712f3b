package dynamo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/quorumkv/quorumkv/pkg/repair"
	"github.com/quorumkv/quorumkv/pkg/rpc"
	"github.com/quorumkv/quorumkv/pkg/versioning"
)

// Coordinator implements the per-request fan-out, quorum wait, and
// reconciliation that make any node able to service any request.
type Coordinator struct {
	node *Node
}

func NewCoordinator(node *Node) *Coordinator {
	return &Coordinator{node: node}
}

type putOutcome struct {
	peer string
	ok   bool
	err  error
}

type getOutcome struct {
	peer     string
	ok       bool
	versions []versioning.Version
	err      error
}

// resolveNRW applies per-request overrides over cluster defaults and
// validates them; a BadRequest error aborts before any fan-out.
func (c *Coordinator) resolveNRW(p RequestParams, needW bool) (n, quorum int, err error) {
	cfg := c.node.config
	n = p.N
	if n == 0 {
		n = cfg.DefaultN
	}
	if n < 1 || n > len(cfg.Peers) {
		return 0, 0, ErrBadRequest
	}

	if needW {
		quorum = p.W
		if quorum == 0 {
			quorum = cfg.DefaultW
		}
	} else {
		quorum = p.R
		if quorum == 0 {
			quorum = cfg.DefaultR
		}
	}
	if quorum < 1 || quorum > n {
		return 0, 0, ErrBadRequest
	}
	return n, quorum, nil
}

// Put implements the put flow of §4.4.1.
func (c *Coordinator) Put(ctx context.Context, key string, value any, clientClock versioning.VectorClock, params RequestParams) (*PutResult, error) {
	return c.put(ctx, key, versioning.Version{Value: value}, clientClock, params, "put")
}

// Delete is a put of a tombstone version, per §4.4.1.
func (c *Coordinator) Delete(ctx context.Context, key string, clientClock versioning.VectorClock, params RequestParams) (*PutResult, error) {
	return c.put(ctx, key, versioning.Version{IsTombstone: true}, clientClock, params, "delete")
}

func (c *Coordinator) put(ctx context.Context, key string, draft versioning.Version, clientClock versioning.VectorClock, params RequestParams, op string) (*PutResult, error) {
	start := time.Now()
	correlationID := uuid.NewString()
	n, w, err := c.resolveNRW(params, true)
	if err != nil {
		return nil, err
	}

	preferenceList := c.node.ring.PreferenceList(key, n)
	if len(preferenceList) == 0 {
		return nil, newError(Internal, "empty preference list")
	}
	if w > len(preferenceList) {
		w = len(preferenceList)
	}

	base := clientClock
	if base == nil {
		base = versioning.NewVectorClock()
	}
	draft.Clock = base.Increment(c.node.id)

	reqCtx, cancel := context.WithTimeout(ctx, c.node.config.RequestTimeout)
	defer cancel()

	results := fanOut(reqCtx, preferenceList, func(opCtx context.Context, peer string) putOutcome {
		if peer == c.node.id {
			c.node.localPut(key, draft)
			return putOutcome{peer: peer, ok: true}
		}
		outcome := c.node.peerClient.ReplicaPut(opCtx, peer, key, draft)
		if outcome != rpc.OK {
			return putOutcome{peer: peer, ok: false, err: fmt.Errorf("%s: %s", peer, outcome)}
		}
		return putOutcome{peer: peer, ok: true}
	})

	successes, failures := 0, 0
	total := len(preferenceList)
	var rejections *multierror.Error

drain:
	for {
		select {
		case r, ok := <-results:
			if !ok {
				break drain
			}
			if r.ok {
				successes++
			} else {
				failures++
				rejections = multierror.Append(rejections, r.err)
			}
			if successes >= w {
				break drain
			}
			if total-failures < w {
				break drain
			}
		case <-reqCtx.Done():
			break drain
		}
	}

	if successes < w {
		c.node.metrics.RecordQuorumFailure(op)
		c.node.logger.Warn("quorum not reached",
			zap.String("op", op),
			zap.String("key", key),
			zap.String("correlation_id", correlationID),
			zap.Int("successes", successes),
			zap.Int("required", w),
			zap.NamedError("rejections", rejections.ErrorOrNil()))
		return nil, ErrQuorumFailed
	}

	if op == "delete" {
		c.node.metrics.RecordDelete(time.Since(start))
	} else {
		c.node.metrics.RecordWrite(time.Since(start))
	}

	return &PutResult{Successes: successes}, nil
}

// Get implements the get flow of §4.4.2.
func (c *Coordinator) Get(ctx context.Context, key string, params RequestParams) (*GetResult, error) {
	start := time.Now()
	correlationID := uuid.NewString()
	n, r, err := c.resolveNRW(params, false)
	if err != nil {
		return nil, err
	}

	preferenceList := c.node.ring.PreferenceList(key, n)
	if len(preferenceList) == 0 {
		return nil, newError(Internal, "empty preference list")
	}
	if r > len(preferenceList) {
		r = len(preferenceList)
	}

	// Detached from the caller's cancellation so replies still in flight
	// when Get returns keep running until the request deadline.
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.node.config.RequestTimeout)

	results := fanOut(reqCtx, preferenceList, func(opCtx context.Context, peer string) getOutcome {
		if peer == c.node.id {
			return getOutcome{peer: peer, ok: true, versions: c.node.localGet(key)}
		}
		versions, outcome := c.node.peerClient.ReplicaGet(opCtx, peer, key)
		if outcome != rpc.OK {
			return getOutcome{peer: peer, ok: false, err: fmt.Errorf("%s: %s", peer, outcome)}
		}
		return getOutcome{peer: peer, ok: true, versions: versions}
	})

	responses := make(map[string][]versioning.Version)
	successes, failures := 0, 0
	total := len(preferenceList)
	var rejections *multierror.Error
	drained := false

	// Like put, get stops waiting the instant R successes are in so the
	// client isn't held to the slowest replica in the preference list; any
	// peer still in flight at that point keeps going in the background
	// purely to feed staleness analysis and read repair (§4.4.2 step 5).
drain:
	for {
		select {
		case res, ok := <-results:
			if !ok {
				drained = true
				break drain
			}
			if res.ok {
				responses[res.peer] = res.versions
				successes++
			} else {
				failures++
				rejections = multierror.Append(rejections, res.err)
			}
			if successes >= r {
				break drain
			}
			if total-failures < r {
				break drain
			}
		case <-reqCtx.Done():
			break drain
		}
	}

	if successes < r {
		cancel()
		c.node.metrics.RecordQuorumFailure("get")
		c.node.logger.Warn("quorum not reached",
			zap.String("op", "get"),
			zap.String("key", key),
			zap.String("correlation_id", correlationID),
			zap.Int("successes", successes),
			zap.Int("required", r),
			zap.NamedError("rejections", rejections.ErrorOrNil()))
		return nil, ErrQuorumFailed
	}

	reconciled := versioning.Reconcile(flattenVersions(responses))

	if drained {
		cancel()
		c.scheduleRepair(key, reconciled, responses, correlationID)
	} else {
		repairResponses := make(map[string][]versioning.Version, len(responses))
		for peer, versions := range responses {
			repairResponses[peer] = versions
		}
		go c.drainLateGetResponses(results, repairResponses, reqCtx, cancel, key, correlationID)
	}

	visible := make([]VersionView, 0, len(reconciled))
	nonTombstones := 0
	for _, v := range reconciled {
		if v.IsTombstone {
			continue
		}
		nonTombstones++
		visible = append(visible, VersionView{
			Value:       v.Value,
			VectorClock: map[string]uint64(v.Clock),
		})
	}

	conflicted := nonTombstones >= 2
	if conflicted {
		c.node.metrics.RecordConflict()
	}
	c.node.metrics.RecordRead(time.Since(start))

	return &GetResult{Versions: visible, Conflicted: conflicted}, nil
}

// drainLateGetResponses finishes collecting whatever fan-out replies were
// still outstanding when Get returned to its caller, then runs the same
// staleness analysis against the fuller picture. The coordinator's own
// entry is included like any other peer, so a stale local replica still
// gets repaired even though the client already has its answer.
func (c *Coordinator) drainLateGetResponses(results <-chan getOutcome, responses map[string][]versioning.Version, reqCtx context.Context, cancel context.CancelFunc, key, correlationID string) {
	defer cancel()
	for {
		select {
		case res, ok := <-results:
			if !ok {
				c.scheduleRepair(key, versioning.Reconcile(flattenVersions(responses)), responses, correlationID)
				return
			}
			if res.ok {
				responses[res.peer] = res.versions
			}
		case <-reqCtx.Done():
			c.scheduleRepair(key, versioning.Reconcile(flattenVersions(responses)), responses, correlationID)
			return
		}
	}
}

func flattenVersions(responses map[string][]versioning.Version) []versioning.Version {
	pool := make([]versioning.Version, 0, len(responses))
	for _, versions := range responses {
		pool = append(pool, versions...)
	}
	return pool
}

// scheduleRepair implements the staleness analysis of §4.4.2 step 7: a
// replica is stale if some reconciled version strictly dominates every
// version it returned, or it returned nothing while reconciliation did not.
// The coordinating node's own reply is checked the same as any peer's;
// Node.Push already dispatches a self-targeted repair locally instead of
// over the wire.
func (c *Coordinator) scheduleRepair(key string, reconciled []versioning.Version, responses map[string][]versioning.Version, correlationID string) {
	for peer, got := range responses {
		if c.isStale(got, reconciled) {
			c.node.metrics.RecordRepairEnqueued()
			c.node.repairQueue.Enqueue(repair.Task{Key: key, Versions: reconciled, Peer: peer, CorrelationID: correlationID})
		}
	}
}

func (c *Coordinator) isStale(got, reconciled []versioning.Version) bool {
	if len(got) == 0 {
		return len(reconciled) > 0
	}
	for _, want := range reconciled {
		dominatesAll := true
		for _, have := range got {
			if !(versioning.Dominates(want.Clock, have.Clock) && versioning.Compare(want.Clock, have.Clock) != versioning.Equal) {
				dominatesAll = false
				break
			}
		}
		if dominatesAll {
			return true
		}
	}
	return false
}
