// ABOUTME: Periodic re-push of persisted messages that never reached a live connection.
// ABOUTME: Each instance retries only against its own local connections.

package conversation

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/luliqiangvision/mall-chat-sub001/internal/delivery"
	"github.com/luliqiangvision/mall-chat-sub001/internal/relay"
	"github.com/luliqiangvision/mall-chat-sub001/internal/store"
)

// retryBatch caps how many pending messages one sweep picks up.
const retryBatch = 100

// RetryStore defines what the re-push job needs from persistence.
type RetryStore interface {
	UndeliveredMessages(ctx context.Context, maxAttempts, limit int) ([]store.Message, error)
	ActiveMembers(ctx context.Context, conversationID string) ([]store.ConversationMember, error)
	IncrementPushAttempts(ctx context.Context, messageID string) error
	MarkPushed(ctx context.Context, messageID string) error
}

// Repusher periodically sweeps messages still marked pending and pushes
// their notices into any connections this instance holds. Push attempts are
// bounded; a message that exhausts them waits for the client's pull path.
type Repusher struct {
	messages    RetryStore
	dispatch    *delivery.Dispatcher
	maxAttempts int
	logger      *slog.Logger

	cron *cron.Cron
}

// NewRepusher creates the re-push job. Call Start with a cron schedule
// expression to begin sweeping.
func NewRepusher(messages RetryStore, dispatch *delivery.Dispatcher, maxAttempts int, logger *slog.Logger) *Repusher {
	return &Repusher{
		messages:    messages,
		dispatch:    dispatch,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "repush"),
	}
}

// Start schedules the sweep. The schedule accepts standard cron expressions
// and descriptors like "@every 1m".
func (r *Repusher) Start(schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, r.Sweep); err != nil {
		return err
	}
	c.Start()
	r.cron = c
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Repusher) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// Sweep performs one re-push pass. Exported so operators and tests can
// trigger it outside the schedule.
func (r *Repusher) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	msgs, err := r.messages.UndeliveredMessages(ctx, r.maxAttempts, retryBatch)
	if err != nil {
		r.logger.Warn("undelivered sweep failed", "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	repushed := 0
	for _, msg := range msgs {
		if r.repush(ctx, &msg) {
			repushed++
		}
	}
	r.logger.Info("re-push sweep complete", "pending", len(msgs), "repushed", repushed)
}

func (r *Repusher) repush(ctx context.Context, msg *store.Message) bool {
	members, err := r.messages.ActiveMembers(ctx, msg.ConversationID)
	if err != nil {
		r.logger.Warn("membership lookup failed during re-push",
			"error", err,
			"conversation_id", msg.ConversationID,
		)
		return false
	}

	notice := &relay.Notice{
		ConversationID: msg.ConversationID,
		ServerMsgID:    msg.ServerMsgID,
	}
	for _, m := range members {
		if m.MemberID == msg.SenderID || m.MemberType == store.MemberSystem {
			continue
		}
		notice.TargetUserIDs = append(notice.TargetUserIDs, m.MemberID)
	}
	if len(notice.TargetUserIDs) == 0 {
		return false
	}

	if err := r.messages.IncrementPushAttempts(ctx, msg.ID); err != nil {
		r.logger.Warn("push attempt bump failed", "error", err, "message_id", msg.ID)
	}

	result := r.dispatch.Deliver(notice)
	if result.Delivered == 0 {
		return false
	}
	if err := r.messages.MarkPushed(ctx, msg.ID); err != nil {
		r.logger.Warn("mark pushed failed", "error", err, "message_id", msg.ID)
	}
	return true
}
