// ABOUTME: GORM models for conversations, members, and messages.
// ABOUTME: ServerMsgID is the per-conversation ordering key consumers rely on.

package store

import "time"

// Conversation status values. Transitions are externally triggered; the
// routing core only reads and writes membership and the waiting/active boundary.
const (
	ConversationWaiting           = "waiting"
	ConversationActive            = "active"
	ConversationClosed            = "closed"
	ConversationDeletedByCustomer = "deleted_by_customer"
	ConversationDeletedByAgent    = "deleted_by_agent"
)

// Member types for conversation membership rows.
const (
	MemberCustomer = "customer"
	MemberAgent    = "agent"
	MemberSystem   = "system"
)

// Message delivery status values.
const (
	MessagePending = "pending"
	MessagePushed  = "pushed"
)

// Conversation is one customer-service conversation within a tenant's shop.
type Conversation struct {
	ID         string `gorm:"primaryKey;size:64"`
	CustomerID string `gorm:"size:64;index"`
	Status     string `gorm:"size:32;default:waiting;index"`
	TenantID   string `gorm:"size:64;index"`
	ShopID     string `gorm:"size:64"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ConversationMember is one membership row. A member is active iff LeftAt is
// null. No uniqueness constraint prevents duplicate joins; callers must treat
// a duplicate join as an idempotent no-op.
type ConversationMember struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"size:64;index:idx_conv_member"`
	MemberType     string `gorm:"size:16;index:idx_conv_member"`
	MemberID       string `gorm:"size:64;index:idx_conv_member"`
	JoinedAt       time.Time
	LeftAt         *time.Time
}

// Message is one persisted message. ServerMsgID is monotonic within its
// conversation and is the only ordering guarantee the system makes; relay
// delivery order carries no meaning.
type Message struct {
	ID             string `gorm:"primaryKey;size:64"`
	ConversationID string `gorm:"size:64;index:idx_conv_seq,priority:1"`
	ServerMsgID    int64  `gorm:"index:idx_conv_seq,priority:2"`
	ClientMsgID    string `gorm:"size:64;index"`
	SenderID       string `gorm:"size:64"`
	Content        string `gorm:"type:text"`
	Status         string `gorm:"size:16;default:pending;index"`
	PushAttempts   int    `gorm:"default:0"`
	CreatedAt      time.Time
}

// Migrate creates or updates the schema for all core tables.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&Conversation{},
		&ConversationMember{},
		&Message{},
	)
}
