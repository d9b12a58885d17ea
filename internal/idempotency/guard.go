// ABOUTME: Distributed claim-ticket guard preventing duplicate message processing.
// ABOUTME: At most one submission per client message ID ever reaches DONE; losers observe the winner's result.

package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Record status values. A record is created PENDING by whichever submission
// wins the claim race and transitions to DONE exactly once.
const (
	StatusPending = "PENDING"
	StatusDone    = "DONE"
)

// ErrDuplicateInFlight is returned to a losing submission whose winner has
// not finished yet. It is a normal control-flow outcome the caller may
// poll-retry on, not an infrastructure failure.
var ErrDuplicateInFlight = errors.New("duplicate submission in flight")

// ErrClaimUnavailable indicates the claim store could not be reached. The
// caller decides whether to proceed without dedup protection or reject.
var ErrClaimUnavailable = errors.New("claim store unavailable")

const (
	claimKeyPrefix = "chat:msg:claim:"

	// pendingTTL bounds how long a crashed winner can block retries of the
	// same client message ID.
	pendingTTL = 30 * time.Second

	// doneTTL is the duplicate-suppression window after a successful write.
	doneTTL = 10 * time.Minute

	opTimeout = 2 * time.Second
)

// Record is the claim ticket stored under the idempotency key.
type Record struct {
	Status string `json:"status"`
	Result int64  `json:"result"`
	TS     int64  `json:"ts"`
	Owner  string `json:"owner"`
}

// Outcome is the result of a claim attempt.
type Outcome struct {
	// Winner is true when this submission holds the claim and must proceed
	// to persist the message and then call Complete.
	Winner bool

	// ServerMsgID carries the stored result when a duplicate was suppressed
	// (Winner is false and the original submission finished).
	ServerMsgID int64

	ownerToken string
}

// Guard implements the claim-ticket pattern over Redis, with a local result
// cache in front so retried duplicates of recently completed submissions
// never touch the shared store.
type Guard struct {
	rdb    redis.UniversalClient
	cache  *resultCache
	logger *slog.Logger
}

// NewGuard creates an idempotency guard.
func NewGuard(rdb redis.UniversalClient, logger *slog.Logger) *Guard {
	return &Guard{
		rdb:    rdb,
		cache:  newResultCache(doneTTL, 4096),
		logger: logger.With("component", "idempotency"),
	}
}

func claimKey(conversationID, clientMsgID string) string {
	return fmt.Sprintf("%s%s:%s", claimKeyPrefix, conversationID, clientMsgID)
}

// Claim attempts to take ownership of the submission identified by the
// client message ID, scoped to its conversation.
//
// Exactly one of three things happens:
//   - the set-if-absent succeeds: the caller is the winner and must call
//     Complete (or let the PENDING record expire on failure),
//   - the existing record is DONE: the stored result is returned so the
//     caller can answer as if it had performed the write itself,
//   - the existing record is PENDING: ErrDuplicateInFlight.
func (g *Guard) Claim(ctx context.Context, conversationID, clientMsgID string) (*Outcome, error) {
	key := claimKey(conversationID, clientMsgID)

	if seq, ok := g.cache.Lookup(key); ok {
		g.logger.Debug("duplicate suppressed from local cache",
			"conversation_id", conversationID,
			"client_msg_id", clientMsgID,
		)
		return &Outcome{Winner: false, ServerMsgID: seq}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	owner := uuid.New().String()
	pending, err := json.Marshal(Record{
		Status: StatusPending,
		TS:     time.Now().Unix(),
		Owner:  owner,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding claim record: %w", err)
	}

	set, err := g.rdb.SetNX(ctx, key, pending, pendingTTL).Result()
	if err != nil {
		g.logger.Warn("claim set failed", "error", err, "client_msg_id", clientMsgID)
		return nil, fmt.Errorf("%w: %v", ErrClaimUnavailable, err)
	}
	if set {
		return &Outcome{Winner: true, ownerToken: owner}, nil
	}

	// Lost the race: read the existing ticket.
	raw, err := g.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		// The record expired between SetNX and Get; treat as in flight and
		// let the caller retry the whole claim.
		return nil, ErrDuplicateInFlight
	}
	if err != nil {
		g.logger.Warn("claim read failed", "error", err, "client_msg_id", clientMsgID)
		return nil, fmt.Errorf("%w: %v", ErrClaimUnavailable, err)
	}

	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("decoding claim record: %w", err)
	}

	if record.Status == StatusDone {
		g.cache.Store(key, record.Result)
		return &Outcome{Winner: false, ServerMsgID: record.Result}, nil
	}
	return nil, ErrDuplicateInFlight
}

// completeScript writes the DONE record only while the ticket is still
// absent or owned by this claimant. A winner that stalls past the pending
// TTL must not clobber a ticket another submission has since re-claimed.
var completeScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if raw then
	local record = cjson.decode(raw)
	if record.owner ~= ARGV[2] then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// Complete transitions the winner's ticket to DONE carrying the assigned
// sequence number. Called only after persistence succeeded; any failure
// before this point leaves the record PENDING until its TTL recovers it.
func (g *Guard) Complete(ctx context.Context, conversationID, clientMsgID string, serverMsgID int64, o *Outcome) {
	key := claimKey(conversationID, clientMsgID)

	done, err := json.Marshal(Record{
		Status: StatusDone,
		Result: serverMsgID,
		TS:     time.Now().Unix(),
		Owner:  o.ownerToken,
	})
	if err != nil {
		g.logger.Error("encoding done record", "error", err, "client_msg_id", clientMsgID)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	written, err := completeScript.Run(ctx, g.rdb, []string{key}, done, o.ownerToken, doneTTL.Milliseconds()).Int()
	if err != nil {
		// The write itself succeeded; losing the DONE marker only weakens
		// duplicate suppression until the pending TTL expires. Cache the
		// result locally so this instance still suppresses retries.
		g.logger.Warn("claim completion failed", "error", err, "client_msg_id", clientMsgID)
		g.cache.Store(key, serverMsgID)
		return
	}
	if written == 0 {
		// Our pending ticket expired and someone else re-claimed it. The
		// re-claimer's result is what duplicates must observe from now on.
		g.logger.Warn("claim completion skipped, ticket re-claimed",
			"conversation_id", conversationID,
			"client_msg_id", clientMsgID,
		)
		return
	}
	g.cache.Store(key, serverMsgID)
}

// Close releases the local cache's background resources.
func (g *Guard) Close() {
	g.cache.Close()
}
