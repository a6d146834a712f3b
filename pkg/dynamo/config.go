package dynamo

import (
	"fmt"
	"time"
)

// Config holds the fixed, process-wide tunables a node is started with.
// Every node in the cluster must be started with an identical Peers list
// and VirtualNodes count or preference lists will diverge across nodes.
type Config struct {
	// Self is this node's own entry in Peers, of the form host:port.
	Self string

	// Peers is the full, fixed node set, including Self, identical on
	// every peer.
	Peers []string

	// VirtualNodes is the number of ring positions each physical node
	// contributes.
	VirtualNodes int

	// DefaultN, DefaultR, DefaultW are applied when a request omits them.
	DefaultN int
	DefaultR int
	DefaultW int

	// PeerTimeout bounds a single replica RPC.
	PeerTimeout time.Duration

	// RequestTimeout bounds an entire coordinator request, including all
	// replica fan-out. Defaults to 2x PeerTimeout if left zero.
	RequestTimeout time.Duration

	// RepairQueueCapacity bounds the background read-repair queue.
	RepairQueueCapacity int

	// RepairWorkers is the number of goroutines draining the repair queue.
	RepairWorkers int
}

// DefaultConfig returns the cluster-wide defaults named in the startup
// flag reference; Self and Peers must still be set by the caller.
func DefaultConfig() *Config {
	return &Config{
		VirtualNodes:        128,
		DefaultN:            3,
		DefaultR:            2,
		DefaultW:            2,
		PeerTimeout:         1000 * time.Millisecond,
		RequestTimeout:      2000 * time.Millisecond,
		RepairQueueCapacity: 1024,
		RepairWorkers:       4,
	}
}

func (c *Config) validate() error {
	if c.Self == "" {
		return fmt.Errorf("self node ID must not be empty")
	}
	found := false
	for _, p := range c.Peers {
		if p == c.Self {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("peer list must include self (%s)", c.Self)
	}
	if c.VirtualNodes < 1 {
		return fmt.Errorf("virtual nodes must be >= 1")
	}
	if c.DefaultN < 1 || c.DefaultN > len(c.Peers) {
		return fmt.Errorf("default N must be between 1 and %d", len(c.Peers))
	}
	if c.DefaultR < 1 || c.DefaultR > c.DefaultN {
		return fmt.Errorf("default R must be between 1 and N (%d)", c.DefaultN)
	}
	if c.DefaultW < 1 || c.DefaultW > c.DefaultN {
		return fmt.Errorf("default W must be between 1 and N (%d)", c.DefaultN)
	}
	if c.PeerTimeout <= 0 {
		return fmt.Errorf("peer timeout must be positive")
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 2 * c.PeerTimeout
	}
	if c.RepairQueueCapacity < 1 {
		return fmt.Errorf("repair queue capacity must be >= 1")
	}
	if c.RepairWorkers < 1 {
		return fmt.Errorf("repair workers must be >= 1")
	}
	return nil
}
