// Package mesh implements a local mirror of cloud mesh-sync status: each
// Sync call writes a status snapshot to a Redis-backed key, and Stats
// reports the last one written; nothing syncs on a timer. Per spec §1, the cloud mesh transport
// itself is trivial REST and explicitly out of scope — this package is the
// local-side bookkeeping the HTTP surface (`/v1/mesh/stats`,
// `/v1/mesh/sync`) reports against.
//
// Grounded on redisclient/redis.go's go-redis client wrapper, extended from
// a bare Ping into Get/Set so the mesh status survives process restarts.
package mesh

import (
	"context"
	"encoding/json"
	"time"

	"github.com/relayplane/proxy/redisclient"
)

const statusKey = "relayplane:mesh:status"

// Status is the mesh sync snapshot persisted to Redis and served at
// /v1/mesh/stats.
type Status struct {
	LastSyncAt   time.Time `json:"last_sync_at"`
	LastSyncOK   bool      `json:"last_sync_ok"`
	LastError    string    `json:"last_error,omitempty"`
	SyncCount    int64     `json:"sync_count"`
	ConnectedRedis bool    `json:"connected_redis"`
}

// Client is the local mesh-sync mirror.
type Client struct {
	redis *redisclient.Client
}

// New constructs a mesh Client. A nil redisclient.Client is accepted and
// degrades every operation to a no-op/connected=false — the proxy must
// start and serve without Redis available (spec §9's "degrade silently to
// memory-only mode" philosophy applied here to mesh state).
func New(redisClient *redisclient.Client) *Client {
	return &Client{redis: redisClient}
}

// Sync pushes a fresh status snapshot, recording success or failure.
// syncFn performs the actual (trivial) REST call to the cloud mesh and is
// injected so this package never depends on an HTTP client for a
// collaborator explicitly excluded from the core spec.
func (c *Client) Sync(ctx context.Context, syncFn func(ctx context.Context) error) Status {
	st := c.load(ctx)
	st.LastSyncAt = time.Now()
	st.SyncCount++

	if syncFn != nil {
		if err := syncFn(ctx); err != nil {
			st.LastSyncOK = false
			st.LastError = err.Error()
		} else {
			st.LastSyncOK = true
			st.LastError = ""
		}
	} else {
		st.LastSyncOK = true
	}

	c.save(ctx, st)
	return st
}

// Stats returns the last-known status without triggering a sync.
func (c *Client) Stats(ctx context.Context) Status {
	return c.load(ctx)
}

func (c *Client) load(ctx context.Context) Status {
	st := Status{ConnectedRedis: c.redis != nil}
	if c.redis == nil {
		return st
	}
	raw, err := c.redis.Get(ctx, statusKey)
	if err != nil {
		return st
	}
	var loaded Status
	if json.Unmarshal(raw, &loaded) == nil {
		loaded.ConnectedRedis = true
		return loaded
	}
	return st
}

func (c *Client) save(ctx context.Context, st Status) {
	if c.redis == nil {
		return
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, statusKey, raw, 0)
}
