// ABOUTME: Relay protocol abstraction for cross-instance "new content" notices.
// ABOUTME: Notices are best-effort signals; the persisted sequence is the transport of record.

package relay

import (
	"context"
	"fmt"
)

// Notice tells the instance owning a recipient's connection that new content
// exists. It never carries the message payload: recipients pull authoritative
// content by sequence number, which keeps backfill correct regardless of
// relay delivery order.
type Notice struct {
	ConversationID string   `json:"conversation_id"`
	ServerMsgID    int64    `json:"server_msg_id"`
	TargetUserIDs  []string `json:"target_user_ids"`
}

// Code classifies a send outcome.
type Code string

// Send outcome codes. Callers treat anything but CodeOK uniformly as "could
// not deliver remotely, fall back to pull-on-reconnect".
const (
	CodeOK                Code = "OK"
	CodeSendFailed        Code = "SEND_FAILED"
	CodeUnsupportedTarget Code = "UNSUPPORTED_TARGET"
	CodePoolUnavailable   Code = "POOL_UNAVAILABLE"
)

// SendResult is the outcome of one relay send. Relay failures are results,
// not errors, so the calling path handles them as normal control flow.
type SendResult struct {
	Code Code
	Err  error
}

// OK reports whether the notice reached the target instance.
func (r SendResult) OK() bool {
	return r.Code == CodeOK
}

func (r SendResult) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Code, r.Err)
	}
	return string(r.Code)
}

func ok() SendResult {
	return SendResult{Code: CodeOK}
}

func failed(err error) SendResult {
	return SendResult{Code: CodeSendFailed, Err: err}
}

// Protocol is one interchangeable server-to-server relay transport. Exactly
// one implementation is selected at startup and kept for the process lifetime.
type Protocol interface {
	// Send pushes a notice to the instance at targetAddr. The call is
	// bounded by ctx; there is no cooperative cancellation beyond timeout.
	Send(ctx context.Context, targetAddr string, notice *Notice) SendResult

	// Init prepares the protocol for sending. Called once by the manager.
	Init(ctx context.Context) error

	// Shutdown releases transport resources.
	Shutdown(ctx context.Context) error

	// Healthy reports whether the protocol can currently send.
	Healthy() bool

	// Name is the configuration name the manager selects by.
	Name() string

	// SupportsTarget rejects addresses this protocol will not relay to,
	// in particular the instance's own address.
	SupportsTarget(targetAddr string) bool
}
