// ABOUTME: Tests for the Redis-backed pre-sales pool provider
// ABOUTME: Verifies set membership reads and the empty-pool case

package routing

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPoolProvider_ReadsTenantSet(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	_, err := mr.SetAdd(poolKeyPrefix+"tenant-1", "agent-1", "agent-2")
	require.NoError(t, err)

	p := NewRedisPoolProvider(rdb)

	agents, err := p.PreSalesAgentIDs(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"agent-1", "agent-2"}, agents)
}

func TestRedisPoolProvider_EmptyPool(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	p := NewRedisPoolProvider(rdb)

	agents, err := p.PreSalesAgentIDs(context.Background(), "tenant-unknown")
	require.NoError(t, err)
	assert.Empty(t, agents)
}
