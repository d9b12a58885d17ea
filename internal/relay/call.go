// ABOUTME: Request/response relay protocol: one HTTP POST per notice.
// ABOUTME: Simplest interchangeable implementation; stateless between sends.

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/luliqiangvision/mall-chat-sub001/internal/auth"
)

// NotifyPath is the peer endpoint the call protocol posts notices to.
const NotifyPath = "/internal/relay/notify"

// NotifyResponse is the body a peer returns from the notify endpoint.
type NotifyResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CallProtocol relays notices with a plain HTTP request per send. It holds
// no per-peer state, trading connection reuse for simplicity.
type CallProtocol struct {
	selfAddr string
	tokens   *auth.InstanceAuth
	client   *http.Client
	logger   *slog.Logger
	ready    bool
}

// NewCallProtocol creates the request/response relay implementation.
func NewCallProtocol(selfAddr string, tokens *auth.InstanceAuth, logger *slog.Logger) *CallProtocol {
	return &CallProtocol{
		selfAddr: selfAddr,
		tokens:   tokens,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger: logger.With("relay_protocol", "call"),
	}
}

// Name implements Protocol.
func (p *CallProtocol) Name() string { return "call" }

// Init implements Protocol.
func (p *CallProtocol) Init(ctx context.Context) error {
	p.ready = true
	return nil
}

// Shutdown implements Protocol.
func (p *CallProtocol) Shutdown(ctx context.Context) error {
	p.ready = false
	p.client.CloseIdleConnections()
	return nil
}

// Healthy implements Protocol.
func (p *CallProtocol) Healthy() bool { return p.ready }

// SupportsTarget rejects empty addresses and this instance's own address,
// preventing an instance from relaying to itself.
func (p *CallProtocol) SupportsTarget(targetAddr string) bool {
	return targetAddr != "" && targetAddr != p.selfAddr
}

// Send implements Protocol.
func (p *CallProtocol) Send(ctx context.Context, targetAddr string, notice *Notice) SendResult {
	body, err := json.Marshal(notice)
	if err != nil {
		return failed(fmt.Errorf("encoding notice: %w", err))
	}

	url := "http://" + targetAddr + NotifyPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return failed(fmt.Errorf("building notify request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := p.tokens.Mint(p.selfAddr)
	if err != nil {
		return failed(fmt.Errorf("minting relay token: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(req)
	if err != nil {
		return failed(fmt.Errorf("posting notice to %s: %w", targetAddr, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return failed(fmt.Errorf("peer %s returned status %d", targetAddr, resp.StatusCode))
	}

	var out NotifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return failed(fmt.Errorf("decoding notify response: %w", err))
	}
	if !out.Success {
		return failed(fmt.Errorf("peer %s rejected notice: %s", targetAddr, out.Error))
	}

	p.logger.Debug("notice delivered",
		"target", targetAddr,
		"conversation_id", notice.ConversationID,
		"server_msg_id", notice.ServerMsgID,
	)
	return ok()
}
