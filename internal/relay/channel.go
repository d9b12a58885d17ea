// ABOUTME: Full-duplex relay protocol: one persistent WebSocket channel per peer instance.
// ABOUTME: Notices are correlated to acks by frame ID over the shared channel.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/luliqiangvision/mall-chat-sub001/internal/auth"
)

// ChannelPath is the peer endpoint the channel protocol dials for its
// persistent connection.
const ChannelPath = "/internal/relay/channel"

// Frame types exchanged over a relay channel.
const (
	FrameNotice = "notice"
	FrameAck    = "ack"
)

// Frame is one message on a relay channel, in either direction.
type Frame struct {
	ID      string  `json:"id"`
	Type    string  `json:"type"`
	Notice  *Notice `json:"notice,omitempty"`
	Success bool    `json:"success,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// errChannelClosed is reported to waiters when a peer channel dies before
// their ack arrives.
var errChannelClosed = errors.New("relay channel closed")

// ChannelProtocol keeps one long-lived WebSocket per peer instance, dialed
// lazily on first send and rebuilt on failure. Both directions share the
// channel: notices flow out, acks flow back, correlated by frame ID.
type ChannelProtocol struct {
	selfAddr string
	tokens   *auth.InstanceAuth
	logger   *slog.Logger

	mu    sync.Mutex
	peers map[string]*peerChannel
	dials map[string]chan struct{}
	ready bool
}

// NewChannelProtocol creates the full-duplex relay implementation.
func NewChannelProtocol(selfAddr string, tokens *auth.InstanceAuth, logger *slog.Logger) *ChannelProtocol {
	return &ChannelProtocol{
		selfAddr: selfAddr,
		tokens:   tokens,
		logger:   logger.With("relay_protocol", "channel"),
		peers:    make(map[string]*peerChannel),
		dials:    make(map[string]chan struct{}),
	}
}

// Name implements Protocol.
func (p *ChannelProtocol) Name() string { return "channel" }

// Init implements Protocol. Channels are dialed lazily, so Init only marks
// the protocol ready.
func (p *ChannelProtocol) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = true
	return nil
}

// Shutdown closes every peer channel.
func (p *ChannelProtocol) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ready = false
	for addr, peer := range p.peers {
		peer.close()
		delete(p.peers, addr)
	}
	return nil
}

// Healthy implements Protocol.
func (p *ChannelProtocol) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// SupportsTarget rejects empty addresses and this instance's own address.
func (p *ChannelProtocol) SupportsTarget(targetAddr string) bool {
	return targetAddr != "" && targetAddr != p.selfAddr
}

// Send implements Protocol. The notice is written to the peer's channel and
// the call blocks until the matching ack frame arrives or ctx expires.
func (p *ChannelProtocol) Send(ctx context.Context, targetAddr string, notice *Notice) SendResult {
	peer, err := p.peerFor(ctx, targetAddr)
	if err != nil {
		return failed(err)
	}

	frame := &Frame{
		ID:     uuid.New().String(),
		Type:   FrameNotice,
		Notice: notice,
	}

	ackCh := peer.expectAck(frame.ID)
	defer peer.forgetAck(frame.ID)

	if err := peer.write(frame); err != nil {
		p.dropPeer(targetAddr, peer)
		return failed(fmt.Errorf("writing to channel %s: %w", targetAddr, err))
	}

	select {
	case err := <-ackCh:
		if err != nil {
			return failed(err)
		}
		return ok()
	case <-ctx.Done():
		return failed(fmt.Errorf("awaiting ack from %s: %w", targetAddr, ctx.Err()))
	}
}

// peerFor returns the live channel for targetAddr, dialing one if needed.
// The dial itself runs outside the protocol lock so a dead peer never stalls
// sends to healthy peers, Healthy, or Shutdown. Concurrent sends to the same
// undialed peer share one dial attempt.
func (p *ChannelProtocol) peerFor(ctx context.Context, targetAddr string) (*peerChannel, error) {
	var dialDone chan struct{}
	for {
		p.mu.Lock()
		if !p.ready {
			p.mu.Unlock()
			return nil, errors.New("protocol not initialized")
		}
		if peer, exists := p.peers[targetAddr]; exists {
			p.mu.Unlock()
			return peer, nil
		}
		inFlight, dialing := p.dials[targetAddr]
		if !dialing {
			dialDone = make(chan struct{})
			p.dials[targetAddr] = dialDone
			p.mu.Unlock()
			break
		}
		p.mu.Unlock()

		select {
		case <-inFlight:
			// The owning send finished; re-check the peer map. A failed
			// dial leaves no entry and this send attempts its own.
		case <-ctx.Done():
			return nil, fmt.Errorf("awaiting channel dial to %s: %w", targetAddr, ctx.Err())
		}
	}

	peer, err := p.dialPeer(ctx, targetAddr)

	p.mu.Lock()
	delete(p.dials, targetAddr)
	if err == nil && !p.ready {
		peer.close()
		peer, err = nil, errors.New("protocol shut down during dial")
	}
	if err == nil {
		p.peers[targetAddr] = peer
	}
	p.mu.Unlock()
	close(dialDone)

	if err != nil {
		return nil, err
	}

	go func() {
		peer.readLoop()
		p.dropPeer(targetAddr, peer)
	}()

	p.logger.Info("relay channel established", "peer", targetAddr)
	return peer, nil
}

// dialPeer performs the WebSocket handshake with a peer instance. The
// caller's ctx bounds the handshake so a send never waits past its own
// deadline on an unresponsive peer.
func (p *ChannelProtocol) dialPeer(ctx context.Context, targetAddr string) (*peerChannel, error) {
	token, err := p.tokens.Mint(p.selfAddr)
	if err != nil {
		return nil, fmt.Errorf("minting relay token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	ws, _, err := dialer.DialContext(ctx, "ws://"+targetAddr+ChannelPath, header)
	if err != nil {
		return nil, fmt.Errorf("dialing channel %s: %w", targetAddr, err)
	}

	return newPeerChannel(ws, p.logger.With("peer", targetAddr)), nil
}

// dropPeer discards a dead channel so the next send dials a fresh one.
func (p *ChannelProtocol) dropPeer(targetAddr string, peer *peerChannel) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if current, exists := p.peers[targetAddr]; exists && current == peer {
		delete(p.peers, targetAddr)
	}
	peer.close()
}

// peerChannel is one live WebSocket to a peer instance with ack correlation.
type peerChannel struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan error
	closed  bool
}

func newPeerChannel(ws *websocket.Conn, logger *slog.Logger) *peerChannel {
	return &peerChannel{
		ws:      ws,
		logger:  logger,
		pending: make(map[string]chan error),
	}
}

func (c *peerChannel) write(frame *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(frame)
}

// expectAck registers interest in the ack for a frame ID.
func (c *peerChannel) expectAck(frameID string) <-chan error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan error, 1)
	c.pending[frameID] = ch
	return ch
}

func (c *peerChannel) forgetAck(frameID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, frameID)
}

// readLoop consumes ack frames until the channel dies, then fails every
// waiter so no send blocks past its timeout on a dead channel.
func (c *peerChannel) readLoop() {
	for {
		var frame Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			c.failAll()
			return
		}

		if frame.Type != FrameAck {
			c.logger.Warn("unexpected frame on relay channel", "type", frame.Type)
			continue
		}

		c.mu.Lock()
		ch, exists := c.pending[frame.ID]
		delete(c.pending, frame.ID)
		c.mu.Unlock()
		if !exists {
			continue
		}

		var ackErr error
		if !frame.Success {
			ackErr = fmt.Errorf("peer rejected notice: %s", frame.Error)
		}
		// Non-blocking: the waiter may have timed out and abandoned the
		// channel, and a misbehaving peer may repeat a frame ID. Neither
		// may stall the read loop.
		select {
		case ch <- ackErr:
		default:
		}
	}
}

func (c *peerChannel) failAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, ch := range c.pending {
		select {
		case ch <- errChannelClosed:
		default:
		}
		delete(c.pending, id)
	}
}

func (c *peerChannel) close() {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()

	if !alreadyClosed {
		c.ws.Close()
	}
	c.failAll()
}
