// ABOUTME: Redis-backed pre-sales pool provider.
// ABOUTME: Tenant administration maintains the set; the core only reads it.

package routing

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const poolKeyPrefix = "chat:tenant:agents:"

// RedisPoolProvider reads the tenant's pre-sales agent set from Redis.
// The set is written by the tenant administration surface, outside the core.
type RedisPoolProvider struct {
	rdb redis.UniversalClient
}

// NewRedisPoolProvider creates a pool provider over the shared Redis store.
func NewRedisPoolProvider(rdb redis.UniversalClient) *RedisPoolProvider {
	return &RedisPoolProvider{rdb: rdb}
}

// PreSalesAgentIDs implements PoolProvider.
func (p *RedisPoolProvider) PreSalesAgentIDs(ctx context.Context, tenantID string) ([]string, error) {
	agentIDs, err := p.rdb.SMembers(ctx, poolKeyPrefix+tenantID).Result()
	if err != nil {
		return nil, fmt.Errorf("routing: pre-sales pool for tenant %s: %w", tenantID, err)
	}
	return agentIDs, nil
}
