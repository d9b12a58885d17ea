// ABOUTME: Per-conversation monotonic sequence allocation via Redis INCR.
// ABOUTME: The sequence is the only ordering guarantee consumers may rely on.

package conversation

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const seqKeyPrefix = "chat:conv:seq:"

// Sequencer allocates the per-conversation server message IDs. INCR on a
// single key gives atomicity without any cross-instance coordination.
type Sequencer struct {
	rdb redis.UniversalClient
}

// NewSequencer creates a sequencer over the shared Redis store.
func NewSequencer(rdb redis.UniversalClient) *Sequencer {
	return &Sequencer{rdb: rdb}
}

// Next allocates the next sequence number for the conversation. Unlike the
// registry paths, sequence allocation must not fail open: a message without
// a sequence cannot be persisted.
func (s *Sequencer) Next(ctx context.Context, conversationID string) (int64, error) {
	seq, err := s.rdb.Incr(ctx, seqKeyPrefix+conversationID).Result()
	if err != nil {
		return 0, fmt.Errorf("allocating sequence for %s: %w", conversationID, err)
	}
	return seq, nil
}

// Current returns the highest allocated sequence for the conversation, zero
// if none was ever allocated.
func (s *Sequencer) Current(ctx context.Context, conversationID string) (int64, error) {
	seq, err := s.rdb.Get(ctx, seqKeyPrefix+conversationID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading sequence for %s: %w", conversationID, err)
	}
	return seq, nil
}
