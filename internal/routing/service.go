// ABOUTME: Agent routing: binds support agents to conversations with first-claim semantics.
// ABOUTME: Cache-then-store check for BindFirstAgent is a best-effort CAS, not a transaction.

package routing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/luliqiangvision/mall-chat-sub001/internal/store"
)

const bindCacheKeyPrefix = "chat:conv:agents:"

// boundSentinel is the cache value marking "this conversation already has an
// agent". Only key presence matters.
const boundSentinel = "bound"

// MemberStore is what routing needs from conversation persistence.
type MemberStore interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ActiveAgentMembers(ctx context.Context, conversationID string) ([]store.ConversationMember, error)
	AddMember(ctx context.Context, conversationID, memberType, memberID string) error
	AddAgentMembers(ctx context.Context, conversationID string, agentIDs []string) error
	MemberLeave(ctx context.Context, conversationID, memberID string) error
	SetConversationStatus(ctx context.Context, id, status string) error
}

// PoolProvider resolves the tenant's pre-sales agent pool. Implemented
// outside the core (tenant administration owns the pool).
type PoolProvider interface {
	PreSalesAgentIDs(ctx context.Context, tenantID string) ([]string, error)
}

// OnlineChecker reports whether a user currently holds a live connection
// anywhere in the cluster. The session registry satisfies this.
type OnlineChecker interface {
	UserOnline(ctx context.Context, userID string) bool
}

// Assignment is the outcome of resolving which agents handle a conversation.
type Assignment struct {
	AgentIDs       []string
	HasOnlineAgent bool
}

// Service assigns conversation membership using the member store plus a
// short-TTL cache fast path for the first-bind claim.
type Service struct {
	members  MemberStore
	pool     PoolProvider
	online   OnlineChecker
	rdb      redis.UniversalClient
	cacheTTL time.Duration
	logger   *slog.Logger
}

// New creates the routing service.
func New(members MemberStore, pool PoolProvider, online OnlineChecker, rdb redis.UniversalClient, cacheTTL time.Duration, logger *slog.Logger) *Service {
	return &Service{
		members:  members,
		pool:     pool,
		online:   online,
		rdb:      rdb,
		cacheTTL: cacheTTL,
		logger:   logger.With("component", "routing"),
	}
}

func bindCacheKey(conversationID string) string {
	return bindCacheKeyPrefix + conversationID
}

// AssignAgents resolves which agents are responsible for the conversation.
//
// Three scenarios:
//   - new conversation: no active agent members can exist yet, so the
//     tenant's pre-sales pool is bulk-bound and returned;
//   - existing conversation with active agent members: the existing set is
//     returned unchanged, never rebound;
//   - existing conversation whose agents all left: treated exactly like a
//     new conversation, the pre-sales pool is rebound.
//
// An empty pool yields an empty assignment; downstream falls back to the
// automated responder.
func (s *Service) AssignAgents(ctx context.Context, conversationID string, isNewConversation bool) (*Assignment, error) {
	if !isNewConversation {
		members, err := s.members.ActiveAgentMembers(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("routing: active members of %s: %w", conversationID, err)
		}
		if len(members) > 0 {
			agentIDs := make([]string, 0, len(members))
			for _, m := range members {
				agentIDs = append(agentIDs, m.MemberID)
			}
			return &Assignment{
				AgentIDs:       agentIDs,
				HasOnlineAgent: s.anyOnline(ctx, agentIDs),
			}, nil
		}
		// All previously bound agents left: fall through to the pre-sales
		// pool exactly as if the conversation were new.
	}

	conv, err := s.members.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("routing: conversation %s: %w", conversationID, err)
	}

	agentIDs, err := s.pool.PreSalesAgentIDs(ctx, conv.TenantID)
	if err != nil {
		return nil, fmt.Errorf("routing: pre-sales pool for tenant %s: %w", conv.TenantID, err)
	}
	if len(agentIDs) == 0 {
		s.logger.Info("pre-sales pool empty, falling back to automated responder",
			"conversation_id", conversationID,
			"tenant_id", conv.TenantID,
		)
		return &Assignment{}, nil
	}

	if err := s.members.AddAgentMembers(ctx, conversationID, agentIDs); err != nil {
		return nil, fmt.Errorf("routing: binding pool to %s: %w", conversationID, err)
	}

	s.logger.Info("pre-sales pool bound",
		"conversation_id", conversationID,
		"agents", len(agentIDs),
	)
	return &Assignment{
		AgentIDs:       agentIDs,
		HasOnlineAgent: s.anyOnline(ctx, agentIDs),
	}, nil
}

// BindFirstAgent lets agentID claim a conversation that has no active agent
// member. Returns true iff this caller won the claim.
//
// The sequence is cache check, then authoritative store check, then insert.
// A narrow window remains between the store read and the insert where two
// racers can both observe "no agent" and both insert; that best-effort
// behavior is deliberate and kept as-is.
func (s *Service) BindFirstAgent(ctx context.Context, conversationID, agentID string) (bool, error) {
	// Cache fast path: a hit means some agent already claimed recently.
	exists, err := s.rdb.Exists(ctx, bindCacheKey(conversationID)).Result()
	if err != nil {
		// Cache outage degrades to the authoritative check.
		s.logger.Warn("bind cache check failed", "error", err, "conversation_id", conversationID)
	} else if exists > 0 {
		return false, nil
	}

	members, err := s.members.ActiveAgentMembers(ctx, conversationID)
	if err != nil {
		return false, fmt.Errorf("routing: first-bind check for %s: %w", conversationID, err)
	}
	if len(members) > 0 {
		// Backfill the cache so repeat losers stop hitting the store.
		s.setBoundCache(ctx, conversationID)
		return false, nil
	}

	if err := s.members.AddMember(ctx, conversationID, store.MemberAgent, agentID); err != nil {
		return false, fmt.Errorf("routing: first-bind insert for %s: %w", conversationID, err)
	}

	s.setBoundCache(ctx, conversationID)
	if err := s.members.SetConversationStatus(ctx, conversationID, store.ConversationActive); err != nil {
		s.logger.Warn("conversation activate failed", "error", err, "conversation_id", conversationID)
	}

	s.logger.Info("first agent bound",
		"conversation_id", conversationID,
		"agent_id", agentID,
	)
	return true, nil
}

// MemberLeave releases an agent's membership so a later AssignAgents or
// BindFirstAgent can rebind. The bind cache is dropped eagerly rather than
// waiting out its TTL.
func (s *Service) MemberLeave(ctx context.Context, conversationID, agentID string) error {
	if err := s.members.MemberLeave(ctx, conversationID, agentID); err != nil {
		return err
	}
	if err := s.rdb.Del(ctx, bindCacheKey(conversationID)).Err(); err != nil {
		s.logger.Warn("bind cache invalidate failed", "error", err, "conversation_id", conversationID)
	}
	return nil
}

func (s *Service) setBoundCache(ctx context.Context, conversationID string) {
	if err := s.rdb.Set(ctx, bindCacheKey(conversationID), boundSentinel, s.cacheTTL).Err(); err != nil {
		s.logger.Warn("bind cache set failed", "error", err, "conversation_id", conversationID)
	}
}

func (s *Service) anyOnline(ctx context.Context, agentIDs []string) bool {
	for _, id := range agentIDs {
		if s.online.UserOnline(ctx, id) {
			return true
		}
	}
	return false
}
