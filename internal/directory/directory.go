// ABOUTME: Instance directory: discovers live server instances via Redis heartbeat keys.
// ABOUTME: Each instance advertises its own relay address under a TTL-bearing key.

package directory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	instanceKeyPrefix = "chat:instance:"

	// heartbeatEvery must be well under instanceTTL so a healthy instance
	// never falls out of the directory between beats.
	heartbeatEvery = 10 * time.Second
	instanceTTL    = 30 * time.Second

	opTimeout = 2 * time.Second
)

// Directory tracks the set of live instances in the cluster and advertises
// this instance's own address. Discovery is best-effort: a Redis outage
// shrinks the visible cluster but never stops the local instance.
type Directory struct {
	rdb      redis.UniversalClient
	selfAddr string
	logger   *slog.Logger

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// New creates a directory advertising selfAddr to the rest of the cluster.
func New(rdb redis.UniversalClient, selfAddr string, logger *slog.Logger) *Directory {
	return &Directory{
		rdb:      rdb,
		selfAddr: selfAddr,
		logger:   logger.With("component", "directory"),
		done:     make(chan struct{}),
	}
}

// SelfAddr returns the address this instance advertises for relay traffic.
func (d *Directory) SelfAddr() string {
	return d.selfAddr
}

// Start registers this instance and keeps the registration alive with a
// background heartbeat until Stop is called.
func (d *Directory) Start(ctx context.Context) {
	d.beat(ctx)
	go d.heartbeatLoop()
}

// Stop ends the heartbeat and removes this instance from the directory.
// Safe to call multiple times.
func (d *Directory) Stop(ctx context.Context) {
	d.mu.Lock()
	if !d.closed {
		close(d.done)
		d.closed = true
	}
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := d.rdb.Del(ctx, instanceKeyPrefix+d.selfAddr).Err(); err != nil {
		d.logger.Warn("instance deregister failed", "error", err, "instance", d.selfAddr)
	}
}

// ListActiveInstances returns the addresses of every instance whose
// heartbeat key is still alive, including this one.
func (d *Directory) ListActiveInstances(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var addrs []string
	var cursor uint64
	for {
		keys, next, err := d.rdb.Scan(ctx, cursor, instanceKeyPrefix+"*", 100).Result()
		if err != nil {
			d.logger.Warn("instance scan failed", "error", err)
			return addrs
		}
		for _, key := range keys {
			addrs = append(addrs, key[len(instanceKeyPrefix):])
		}
		if next == 0 {
			return addrs
		}
		cursor = next
	}
}

func (d *Directory) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.beat(context.Background())
		case <-d.done:
			return
		}
	}
}

func (d *Directory) beat(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := d.rdb.Set(ctx, instanceKeyPrefix+d.selfAddr, time.Now().Unix(), instanceTTL).Err(); err != nil {
		d.logger.Warn("instance heartbeat failed", "error", err, "instance", d.selfAddr)
	}
}
