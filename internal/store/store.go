// ABOUTME: GORM-backed persistence for conversations, membership, and messages.
// ABOUTME: MySQL in production; tests run the same queries against in-memory SQLite.

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the database handle for all core persistence operations.
type Store struct {
	db *gorm.DB
}

// Connect opens a GORM connection to the MySQL database behind the DSN.
func Connect(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an already-open GORM handle. Used by tests with SQLite.
func NewWithDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CreateConversation inserts a new conversation row.
func (s *Store) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.Status == "" {
		conv.Status = ConversationWaiting
	}
	if err := s.db.WithContext(ctx).Create(conv).Error; err != nil {
		return fmt.Errorf("store: create conversation %s: %w", conv.ID, err)
	}
	return nil
}

// GetConversation looks up a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	err := s.db.WithContext(ctx).First(&conv, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get conversation %s: %w", id, err)
	}
	return &conv, nil
}

// SetConversationStatus updates the waiting/active boundary.
func (s *Store) SetConversationStatus(ctx context.Context, id, status string) error {
	err := s.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("id = ?", id).
		Update("status", status).Error
	if err != nil {
		return fmt.Errorf("store: set conversation %s status: %w", id, err)
	}
	return nil
}

// ActiveAgentMembers returns the agent members of a conversation whose
// LeftAt is null.
func (s *Store) ActiveAgentMembers(ctx context.Context, conversationID string) ([]ConversationMember, error) {
	var members []ConversationMember
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND member_type = ? AND left_at IS NULL", conversationID, MemberAgent).
		Find(&members).Error
	if err != nil {
		return nil, fmt.Errorf("store: active agent members of %s: %w", conversationID, err)
	}
	return members, nil
}

// ActiveMembers returns all active members of a conversation regardless of type.
func (s *Store) ActiveMembers(ctx context.Context, conversationID string) ([]ConversationMember, error) {
	var members []ConversationMember
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND left_at IS NULL", conversationID).
		Find(&members).Error
	if err != nil {
		return nil, fmt.Errorf("store: active members of %s: %w", conversationID, err)
	}
	return members, nil
}

// AddMember inserts a membership row. A join that duplicates an existing
// active membership is an idempotent no-op; the table itself enforces no
// uniqueness.
func (s *Store) AddMember(ctx context.Context, conversationID, memberType, memberID string) error {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&ConversationMember{}).
		Where("conversation_id = ? AND member_type = ? AND member_id = ? AND left_at IS NULL",
			conversationID, memberType, memberID).
		Count(&count).Error
	if err != nil {
		return fmt.Errorf("store: member check for %s: %w", conversationID, err)
	}
	if count > 0 {
		return nil
	}

	member := ConversationMember{
		ConversationID: conversationID,
		MemberType:     memberType,
		MemberID:       memberID,
		JoinedAt:       time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&member).Error; err != nil {
		return fmt.Errorf("store: add member %s to %s: %w", memberID, conversationID, err)
	}
	return nil
}

// AddAgentMembers bulk-binds a set of agents to the conversation.
// Agents that are already active members are skipped.
func (s *Store) AddAgentMembers(ctx context.Context, conversationID string, agentIDs []string) error {
	for _, agentID := range agentIDs {
		if err := s.AddMember(ctx, conversationID, MemberAgent, agentID); err != nil {
			return err
		}
	}
	return nil
}

// MemberLeave marks the member's active rows as left. Leaving a conversation
// the member never joined is a no-op.
func (s *Store) MemberLeave(ctx context.Context, conversationID, memberID string) error {
	now := time.Now()
	err := s.db.WithContext(ctx).
		Model(&ConversationMember{}).
		Where("conversation_id = ? AND member_id = ? AND left_at IS NULL", conversationID, memberID).
		Update("left_at", &now).Error
	if err != nil {
		return fmt.Errorf("store: member %s leave %s: %w", memberID, conversationID, err)
	}
	return nil
}

// SaveMessage persists a message row.
func (s *Store) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.Status == "" {
		msg.Status = MessagePending
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("store: save message %s: %w", msg.ID, err)
	}
	return nil
}

// GetMessageByClientID looks up a message by its client-submitted ID within
// a conversation.
func (s *Store) GetMessageByClientID(ctx context.Context, conversationID, clientMsgID string) (*Message, error) {
	var msg Message
	err := s.db.WithContext(ctx).
		First(&msg, "conversation_id = ? AND client_msg_id = ?", conversationID, clientMsgID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message by client id %s: %w", clientMsgID, err)
	}
	return &msg, nil
}

// MessagesSince returns a conversation's messages with ServerMsgID greater
// than afterSeq, ordered by sequence. This is the pull path clients use to
// reconcile gaps after a reconnect.
func (s *Store) MessagesSince(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]Message, error) {
	var msgs []Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND server_msg_id > ?", conversationID, afterSeq).
		Order("server_msg_id ASC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("store: messages since %d in %s: %w", afterSeq, conversationID, err)
	}
	return msgs, nil
}

// UndeliveredMessages returns pending messages whose push attempts have not
// exceeded maxAttempts, oldest first. Fed to the re-push job.
func (s *Store) UndeliveredMessages(ctx context.Context, maxAttempts, limit int) ([]Message, error) {
	var msgs []Message
	err := s.db.WithContext(ctx).
		Where("status = ? AND push_attempts < ?", MessagePending, maxAttempts).
		Order("created_at ASC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("store: undelivered messages: %w", err)
	}
	return msgs, nil
}

// IncrementPushAttempts bumps the push counter after a re-push try.
func (s *Store) IncrementPushAttempts(ctx context.Context, messageID string) error {
	err := s.db.WithContext(ctx).
		Model(&Message{}).
		Where("id = ?", messageID).
		Update("push_attempts", gorm.Expr("push_attempts + 1")).Error
	if err != nil {
		return fmt.Errorf("store: bump push attempts for %s: %w", messageID, err)
	}
	return nil
}

// MarkPushed records that the message reached at least one live connection.
func (s *Store) MarkPushed(ctx context.Context, messageID string) error {
	err := s.db.WithContext(ctx).
		Model(&Message{}).
		Where("id = ?", messageID).
		Update("status", MessagePushed).Error
	if err != nil {
		return fmt.Errorf("store: mark message %s pushed: %w", messageID, err)
	}
	return nil
}
