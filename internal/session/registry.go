// ABOUTME: Distributed session registry mapping users to live connections and owning instances.
// ABOUTME: Backed by Redis with TTL-bearing keys; registry outages degrade delivery, never crash it.

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Disjoint prefixes: a user ID can never land a hash inside the
	// connection keyspace that OnlineCount scans.
	userKeyPrefix = "chat:session:user:"
	connKeyPrefix = "chat:session:conn:"

	// opTimeout bounds every registry call against the shared store so a
	// Redis stall cannot block a connection's read loop.
	opTimeout = 2 * time.Second
)

// Entry is one live registration: a connection and the instance that owns it.
type Entry struct {
	ConnID       string `json:"conn_id"`
	InstanceAddr string `json:"instance_addr"`
}

// connRecord is the reverse-lookup value stored under the connection key.
type connRecord struct {
	UserID       string `json:"user_id"`
	InstanceAddr string `json:"instance_addr"`
}

// Registry is the cross-instance session store. All operations are
// fail-open: a store failure is logged and treated as a miss, because a
// registry outage must degrade delivery reliability, not connection handling.
type Registry struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewRegistry creates a session registry with the given default TTL window.
func NewRegistry(rdb redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger.With("component", "session"),
	}
}

func userKey(userID string) string { return userKeyPrefix + userID }
func connKey(connID string) string { return connKeyPrefix + connID }

// Register records that instanceAddr now owns the given connection for userID.
// The registration expires after the TTL window unless refreshed.
func (r *Registry) Register(ctx context.Context, userID, connID, instanceAddr string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	record, err := json.Marshal(connRecord{UserID: userID, InstanceAddr: instanceAddr})
	if err != nil {
		r.logger.Error("encoding session record", "error", err, "conn_id", connID)
		return
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, userKey(userID), connID, instanceAddr)
	pipe.Expire(ctx, userKey(userID), r.ttl)
	pipe.Set(ctx, connKey(connID), record, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("session register failed, continuing without registration",
			"error", err,
			"user_id", userID,
			"conn_id", connID,
		)
		return
	}

	r.logger.Debug("session registered",
		"user_id", userID,
		"conn_id", connID,
		"instance", instanceAddr,
	)
}

// Unregister removes the connection's registration. Unknown connections are no-ops.
func (r *Registry) Unregister(ctx context.Context, userID, connID string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pipe := r.rdb.TxPipeline()
	pipe.HDel(ctx, userKey(userID), connID)
	pipe.Del(ctx, connKey(connID))
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("session unregister failed",
			"error", err,
			"user_id", userID,
			"conn_id", connID,
		)
		return
	}

	r.logger.Debug("session unregistered", "user_id", userID, "conn_id", connID)
}

// LookupInstances resolves every live connection the user holds across the
// cluster. Hash fields whose per-connection key has already expired are
// filtered out and pruned best-effort, so a stale field never routes a relay.
func (r *Registry) LookupInstances(ctx context.Context, userID string) []Entry {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	fields, err := r.rdb.HGetAll(ctx, userKey(userID)).Result()
	if err != nil {
		r.logger.Warn("session lookup failed", "error", err, "user_id", userID)
		return nil
	}

	entries := make([]Entry, 0, len(fields))
	for connID, addr := range fields {
		exists, err := r.rdb.Exists(ctx, connKey(connID)).Result()
		if err != nil {
			r.logger.Warn("session liveness check failed", "error", err, "conn_id", connID)
			continue
		}
		if exists == 0 {
			// Expired connection left behind in the user hash.
			r.rdb.HDel(ctx, userKey(userID), connID)
			continue
		}
		entries = append(entries, Entry{ConnID: connID, InstanceAddr: addr})
	}
	return entries
}

// RefreshTTL extends the connection's registration by the given window.
// Invoked on every inbound message and heartbeat; a connection that stops
// refreshing expires on its own, which models ungraceful disconnects.
func (r *Registry) RefreshTTL(ctx context.Context, connID string, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := r.rdb.Get(ctx, connKey(connID)).Result()
	if err == redis.Nil {
		return
	}
	if err != nil {
		r.logger.Warn("session refresh lookup failed", "error", err, "conn_id", connID)
		return
	}

	var record connRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		r.logger.Error("decoding session record", "error", err, "conn_id", connID)
		return
	}

	pipe := r.rdb.TxPipeline()
	pipe.Expire(ctx, connKey(connID), ttl)
	pipe.Expire(ctx, userKey(record.UserID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("session refresh failed", "error", err, "conn_id", connID)
	}
}

// Refresh extends the connection's registration by the registry default TTL.
func (r *Registry) Refresh(ctx context.Context, connID string) {
	r.RefreshTTL(ctx, connID, r.ttl)
}

// IsOnline reports whether the connection is registered anywhere in the cluster.
func (r *Registry) IsOnline(ctx context.Context, connID string) bool {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	exists, err := r.rdb.Exists(ctx, connKey(connID)).Result()
	if err != nil {
		r.logger.Warn("session online check failed", "error", err, "conn_id", connID)
		return false
	}
	return exists > 0
}

// UserOnline reports whether the user has at least one live connection anywhere.
func (r *Registry) UserOnline(ctx context.Context, userID string) bool {
	return len(r.LookupInstances(ctx, userID)) > 0
}

// OnlineCount returns the number of live connections across the cluster.
func (r *Registry) OnlineCount(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var count int
	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, connKeyPrefix+"*", 100).Result()
		if err != nil {
			r.logger.Warn("session count scan failed", "error", err)
			return count
		}
		count += len(keys)
		if next == 0 {
			return count
		}
		cursor = next
	}
}

// OwnerOf resolves the instance currently owning the given connection.
func (r *Registry) OwnerOf(ctx context.Context, connID string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := r.rdb.Get(ctx, connKey(connID)).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		r.logger.Warn("session owner lookup failed", "error", err, "conn_id", connID)
		return "", false
	}

	var record connRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		r.logger.Error("decoding session record", "error", err, "conn_id", connID)
		return "", false
	}
	return record.InstanceAddr, true
}

// TTL returns the registry's default expiry window.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// String implements fmt.Stringer for log output.
func (e Entry) String() string {
	return fmt.Sprintf("%s@%s", e.ConnID, e.InstanceAddr)
}
