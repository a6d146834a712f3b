package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/quorumkv/quorumkv/pkg/versioning"
)

// Outcome classifies the result of a single peer call.
type Outcome int

const (
	OK Outcome = iota
	Timeout
	Connection
	RemoteError
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Timeout:
		return "timeout"
	case Connection:
		return "connection"
	case RemoteError:
		return "remote_error"
	default:
		return "unknown"
	}
}

// HealthRecorder is notified of every peer call outcome. metrics.Collector
// implements this; rpc defines the interface to avoid an import cycle.
type HealthRecorder interface {
	RecordPeerOutcome(peer string, outcome Outcome)
}

// Client issues the internal replica API calls a coordinator needs to fan
// out a single put/get/delete to one remote peer. It never retries and
// never blocks past its configured deadline.
type Client struct {
	http    *http.Client
	timeout time.Duration
	health  HealthRecorder
}

// NewClient returns a peer client with the given default per-call deadline.
// A nil health recorder is permitted (health tracking is then a no-op).
func NewClient(timeout time.Duration, health HealthRecorder) *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		timeout: timeout,
		health:  health,
	}
}

// ReplicaPut pushes version to addr's local storage for key.
func (c *Client) ReplicaPut(ctx context.Context, addr, key string, version versioning.Version) Outcome {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(PutRequestFrom(key, FromVersion(version)))
	if err != nil {
		return c.record(addr, RemoteError)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/_replica/put", bytes.NewReader(body))
	if err != nil {
		return c.record(addr, RemoteError)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return c.record(addr, classify(ctx, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return c.record(addr, RemoteError)
	}

	var out PutResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || !out.OK {
		return c.record(addr, RemoteError)
	}

	return c.record(addr, OK)
}

// ReplicaGet retrieves addr's entire local version set for key.
func (c *Client) ReplicaGet(ctx context.Context, addr, key string) ([]versioning.Version, Outcome) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := "http://" + addr + "/_replica/get?key=" + url.QueryEscape(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, c.record(addr, RemoteError)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.record(addr, classify(ctx, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, c.record(addr, RemoteError)
	}

	var out GetResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, c.record(addr, RemoteError)
	}

	versions := make([]versioning.Version, len(out.Versions))
	for i, dto := range out.Versions {
		versions[i] = dto.ToVersion()
	}
	return versions, c.record(addr, OK)
}

func (c *Client) record(addr string, outcome Outcome) Outcome {
	if c.health != nil {
		c.health.RecordPeerOutcome(addr, outcome)
	}
	return outcome
}

// classify maps a transport-level error to TIMEOUT or CONNECTION per §4.3.
func classify(ctx context.Context, err error) Outcome {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}
	return Connection
}

// Close releases idle connections held by the client.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}
