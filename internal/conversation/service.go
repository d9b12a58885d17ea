// ABOUTME: Submission pipeline: claim, sequence, persist, then fan out notices.
// ABOUTME: Record first, then notify - persistence is the source of truth, relay is best-effort.

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/luliqiangvision/mall-chat-sub001/internal/delivery"
	"github.com/luliqiangvision/mall-chat-sub001/internal/idempotency"
	"github.com/luliqiangvision/mall-chat-sub001/internal/relay"
	"github.com/luliqiangvision/mall-chat-sub001/internal/routing"
	"github.com/luliqiangvision/mall-chat-sub001/internal/session"
	"github.com/luliqiangvision/mall-chat-sub001/internal/store"
	"github.com/luliqiangvision/mall-chat-sub001/internal/worker"
)

// MessageStore defines what the pipeline needs from persistence.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *store.Message) error
	ActiveMembers(ctx context.Context, conversationID string) ([]store.ConversationMember, error)
	MarkPushed(ctx context.Context, messageID string) error
}

// AgentAssigner defines what the pipeline needs from agent routing.
type AgentAssigner interface {
	AssignAgents(ctx context.Context, conversationID string, isNewConversation bool) (*routing.Assignment, error)
}

// SessionResolver resolves a user's live connections across the cluster.
type SessionResolver interface {
	LookupInstances(ctx context.Context, userID string) []session.Entry
	Refresh(ctx context.Context, connID string)
}

// RelaySender sends a notice to the instance owning a remote connection.
type RelaySender interface {
	Send(ctx context.Context, targetAddr string, notice *relay.Notice) relay.SendResult
}

// Submission is one inbound message from a client connection.
type Submission struct {
	ConversationID    string
	ClientMsgID       string
	SenderID          string
	SenderConnID      string
	Content           string
	IsNewConversation bool
}

// SubmitResult reports the outcome of a submission.
type SubmitResult struct {
	ServerMsgID int64

	// Duplicate is true when an earlier submission of the same client
	// message ID already persisted; ServerMsgID carries its result.
	Duplicate bool
}

// Service runs the message submission pipeline. Fanout side-effects go
// through the bounded worker pool so slow registry or relay calls never
// block the connection's read loop.
type Service struct {
	guard    *idempotency.Guard
	seq      *Sequencer
	messages MessageStore
	assigner AgentAssigner
	sessions SessionResolver
	relays   RelaySender
	dispatch *delivery.Dispatcher
	pool     *worker.Pool
	selfAddr string
	logger   *slog.Logger
}

// NewService wires the submission pipeline.
func NewService(
	guard *idempotency.Guard,
	seq *Sequencer,
	messages MessageStore,
	assigner AgentAssigner,
	sessions SessionResolver,
	relays RelaySender,
	dispatch *delivery.Dispatcher,
	pool *worker.Pool,
	selfAddr string,
	logger *slog.Logger,
) *Service {
	return &Service{
		guard:    guard,
		seq:      seq,
		messages: messages,
		assigner: assigner,
		sessions: sessions,
		relays:   relays,
		dispatch: dispatch,
		pool:     pool,
		selfAddr: selfAddr,
		logger:   logger.With("component", "conversation"),
	}
}

// Submit processes one inbound message: claim the client message ID,
// allocate the sequence, persist, mark the claim DONE, then hand fanout to
// the worker pool. Duplicate submissions return the original result;
// idempotency.ErrDuplicateInFlight propagates so the caller can poll-retry.
func (s *Service) Submit(ctx context.Context, sub *Submission) (*SubmitResult, error) {
	outcome, err := s.guard.Claim(ctx, sub.ConversationID, sub.ClientMsgID)
	if err != nil {
		return nil, err
	}
	if !outcome.Winner {
		s.logger.Debug("duplicate submission suppressed",
			"conversation_id", sub.ConversationID,
			"client_msg_id", sub.ClientMsgID,
			"server_msg_id", outcome.ServerMsgID,
		)
		return &SubmitResult{ServerMsgID: outcome.ServerMsgID, Duplicate: true}, nil
	}

	seq, err := s.seq.Next(ctx, sub.ConversationID)
	if err != nil {
		// The PENDING claim expires on its own; a retried submission can
		// re-claim once the TTL recovers it.
		return nil, fmt.Errorf("submit %s: %w", sub.ClientMsgID, err)
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: sub.ConversationID,
		ServerMsgID:    seq,
		ClientMsgID:    sub.ClientMsgID,
		SenderID:       sub.SenderID,
		Content:        sub.Content,
	}
	if err := s.messages.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("submit %s: %w", sub.ClientMsgID, err)
	}

	s.guard.Complete(ctx, sub.ConversationID, sub.ClientMsgID, seq, outcome)

	// Keep the sender's own registration fresh: an inbound message is
	// proof of life.
	if sub.SenderConnID != "" {
		s.sessions.Refresh(ctx, sub.SenderConnID)
	}

	notice := &relay.Notice{
		ConversationID: sub.ConversationID,
		ServerMsgID:    seq,
	}
	isNew := sub.IsNewConversation
	senderID := sub.SenderID
	messageID := msg.ID

	s.pool.SubmitOrRun(func() {
		s.fanout(notice, messageID, senderID, isNew)
	})

	return &SubmitResult{ServerMsgID: seq}, nil
}

// fanout resolves recipients and owning instances, then delivers locally or
// relays remotely. Runs on the worker pool with its own timeout; failures
// here degrade to pull-on-reconnect and the re-push job.
func (s *Service) fanout(notice *relay.Notice, messageID, senderID string, isNewConversation bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := s.assigner.AssignAgents(ctx, notice.ConversationID, isNewConversation); err != nil {
		s.logger.Warn("agent assignment failed, delivering to existing members only",
			"error", err,
			"conversation_id", notice.ConversationID,
		)
	}

	members, err := s.messages.ActiveMembers(ctx, notice.ConversationID)
	if err != nil {
		s.logger.Warn("membership resolution failed, skipping fanout",
			"error", err,
			"conversation_id", notice.ConversationID,
		)
		return
	}

	recipients := make([]string, 0, len(members))
	for _, m := range members {
		if m.MemberID == senderID || m.MemberType == store.MemberSystem {
			continue
		}
		recipients = append(recipients, m.MemberID)
	}
	if len(recipients) == 0 {
		return
	}

	// Group each recipient's live connections by owning instance. Local
	// connections are pushed directly; each remote instance gets one notice
	// covering all of its target users.
	delivered := 0
	remote := make(map[string][]string)
	remoteSeen := make(map[string]map[string]bool)
	for _, userID := range recipients {
		for _, entry := range s.sessions.LookupInstances(ctx, userID) {
			if entry.InstanceAddr == s.selfAddr {
				localNotice := *notice
				localNotice.TargetUserIDs = []string{userID}
				if s.dispatch.DeliverToConn(entry.ConnID, &localNotice) {
					delivered++
				}
				continue
			}
			if remoteSeen[entry.InstanceAddr] == nil {
				remoteSeen[entry.InstanceAddr] = make(map[string]bool)
			}
			if !remoteSeen[entry.InstanceAddr][userID] {
				remoteSeen[entry.InstanceAddr][userID] = true
				remote[entry.InstanceAddr] = append(remote[entry.InstanceAddr], userID)
			}
		}
	}

	for instanceAddr, userIDs := range remote {
		remoteNotice := *notice
		remoteNotice.TargetUserIDs = userIDs
		result := s.relays.Send(ctx, instanceAddr, &remoteNotice)
		if result.OK() {
			delivered += len(userIDs)
		}
		// A failed relay is not retried here: the recipient reconciles on
		// its next pull, and the re-push job covers lingering messages.
	}

	if delivered > 0 {
		if err := s.messages.MarkPushed(ctx, messageID); err != nil {
			s.logger.Warn("mark pushed failed", "error", err, "message_id", messageID)
		}
	}

	s.logger.Debug("fanout complete",
		"conversation_id", notice.ConversationID,
		"server_msg_id", notice.ServerMsgID,
		"recipients", len(recipients),
		"delivered", delivered,
	)
}
