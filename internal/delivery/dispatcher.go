// ABOUTME: Local delivery dispatcher: pushes lightweight notices into locally-held connections.
// ABOUTME: Absent connections are delivery misses, not errors; the registry TTL self-corrects.

package delivery

import (
	"encoding/json"
	"log/slog"

	"github.com/luliqiangvision/mall-chat-sub001/internal/conn"
	"github.com/luliqiangvision/mall-chat-sub001/internal/relay"
)

// pushFrame is the client-facing notice format. It deliberately carries no
// message content: clients pull by sequence number, so push size and latency
// stay decoupled from content correctness.
type pushFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	ServerMsgID    int64  `json:"server_msg_id"`
}

// Result summarizes one dispatch: how many connections got the notice and
// how many targets were not locally present.
type Result struct {
	Delivered int
	Misses    int
}

// Dispatcher pushes notices into connections held by this instance.
type Dispatcher struct {
	table  *conn.Table
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher over the local connection table.
func NewDispatcher(table *conn.Table, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		table:  table,
		logger: logger.With("component", "delivery"),
	}
}

// Deliver pushes the notice to every local connection of every target user.
func (d *Dispatcher) Deliver(notice *relay.Notice) Result {
	payload := encodeFrame(notice)

	var result Result
	for _, userID := range notice.TargetUserIDs {
		conns := d.table.ConnsForUser(userID)
		if len(conns) == 0 {
			// Stale registry entry or the user reconnected elsewhere.
			result.Misses++
			d.logger.Debug("delivery miss, user not local",
				"user_id", userID,
				"conversation_id", notice.ConversationID,
			)
			continue
		}
		for _, c := range conns {
			if err := c.Push(payload); err != nil {
				result.Misses++
				d.logger.Debug("push failed",
					"error", err,
					"conn_id", c.ID,
					"user_id", userID,
				)
				continue
			}
			result.Delivered++
		}
	}
	return result
}

// DeliverToConn pushes the notice into one specific local connection.
// Returns false as a miss when the connection is not present here.
func (d *Dispatcher) DeliverToConn(connID string, notice *relay.Notice) bool {
	c, exists := d.table.Get(connID)
	if !exists {
		d.logger.Debug("delivery miss, connection not local",
			"conn_id", connID,
			"conversation_id", notice.ConversationID,
		)
		return false
	}
	if err := c.Push(encodeFrame(notice)); err != nil {
		d.logger.Debug("push failed", "error", err, "conn_id", connID)
		return false
	}
	return true
}

func encodeFrame(notice *relay.Notice) []byte {
	payload, _ := json.Marshal(pushFrame{
		Type:           "new_message",
		ConversationID: notice.ConversationID,
		ServerMsgID:    notice.ServerMsgID,
	})
	return payload
}
