// ABOUTME: Tests for the full-duplex channel relay protocol
// ABOUTME: Uses an httptest WebSocket peer to verify ack correlation and failure handling

package relay

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luliqiangvision/mall-chat-sub001/internal/auth"
)

func newChannelProtocol(t *testing.T) *ChannelProtocol {
	t.Helper()
	p := NewChannelProtocol("10.0.0.1:8080", auth.NewInstanceAuth([]byte(testSecret)),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, p.Init(context.Background()))
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p
}

// fakeChannelPeer runs a WebSocket endpoint that answers each notice frame
// with the scripted handler's ack.
func fakeChannelPeer(t *testing.T, ackFor func(frame Frame) Frame) string {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ChannelPath, r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("Authorization"))

		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()

		for {
			var frame Frame
			if err := ws.ReadJSON(&frame); err != nil {
				return
			}
			if err := ws.WriteJSON(ackFor(frame)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestChannelProtocol_SendAndAck(t *testing.T) {
	p := newChannelProtocol(t)

	addr := fakeChannelPeer(t, func(frame Frame) Frame {
		assert.Equal(t, FrameNotice, frame.Type)
		assert.Equal(t, "conv-1", frame.Notice.ConversationID)
		return Frame{ID: frame.ID, Type: FrameAck, Success: true}
	})

	result := p.Send(context.Background(), addr, testNotice())
	require.True(t, result.OK(), "send failed: %s", result.String())
}

func TestChannelProtocol_ChannelReusedAcrossSends(t *testing.T) {
	p := newChannelProtocol(t)

	addr := fakeChannelPeer(t, func(frame Frame) Frame {
		return Frame{ID: frame.ID, Type: FrameAck, Success: true}
	})

	for i := 0; i < 3; i++ {
		result := p.Send(context.Background(), addr, testNotice())
		require.True(t, result.OK())
	}

	p.mu.Lock()
	peerCount := len(p.peers)
	p.mu.Unlock()
	assert.Equal(t, 1, peerCount, "sends to the same peer share one channel")
}

func TestChannelProtocol_PeerRejection(t *testing.T) {
	p := newChannelProtocol(t)

	addr := fakeChannelPeer(t, func(frame Frame) Frame {
		return Frame{ID: frame.ID, Type: FrameAck, Success: false, Error: "unknown target"}
	})

	result := p.Send(context.Background(), addr, testNotice())
	assert.Equal(t, CodeSendFailed, result.Code)
	assert.Contains(t, result.Err.Error(), "unknown target")
}

func TestChannelProtocol_AckTimeout(t *testing.T) {
	p := newChannelProtocol(t)

	// The peer swallows notices without ever acking.
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()
		for {
			var frame Frame
			if err := ws.ReadJSON(&frame); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	addr := strings.TrimPrefix(srv.URL, "http://")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result := p.Send(ctx, addr, testNotice())
	assert.Equal(t, CodeSendFailed, result.Code)
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
}

func TestChannelProtocol_UnresponsivePeerDoesNotStallProtocol(t *testing.T) {
	p := newChannelProtocol(t)

	// A peer that accepts TCP connections but never answers the WebSocket
	// handshake, so the dial hangs until its deadline.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var accepted []net.Conn
	var acceptedMu sync.Mutex
	t.Cleanup(func() {
		ln.Close()
		acceptedMu.Lock()
		defer acceptedMu.Unlock()
		for _, conn := range accepted {
			conn.Close()
		}
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			acceptedMu.Lock()
			accepted = append(accepted, conn)
			acceptedMu.Unlock()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	stalled := make(chan SendResult, 1)
	go func() { stalled <- p.Send(ctx, ln.Addr().String(), testNotice()) }()

	// Wait until the dial is in flight.
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.dials) == 1
	}, time.Second, 5*time.Millisecond)

	// Other protocol operations and sends to healthy peers stay responsive
	// while the dial hangs.
	start := time.Now()
	assert.True(t, p.Healthy())
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	addr := fakeChannelPeer(t, func(frame Frame) Frame {
		return Frame{ID: frame.ID, Type: FrameAck, Success: true}
	})
	okCtx, okCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer okCancel()
	require.True(t, p.Send(okCtx, addr, testNotice()).OK())

	// The stalled send fails by its own deadline, not the 5s handshake cap.
	select {
	case result := <-stalled:
		assert.Equal(t, CodeSendFailed, result.Code)
		assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("send to unresponsive peer did not respect its context deadline")
	}
}

func TestChannelProtocol_RepeatedAckDoesNotWedgeChannel(t *testing.T) {
	p := newChannelProtocol(t)

	// A faulty peer that acks every notice twice with the same frame ID.
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()
		for {
			var frame Frame
			if err := ws.ReadJSON(&frame); err != nil {
				return
			}
			ack := Frame{ID: frame.ID, Type: FrameAck, Success: true}
			if err := ws.WriteJSON(ack); err != nil {
				return
			}
			if err := ws.WriteJSON(ack); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	addr := strings.TrimPrefix(srv.URL, "http://")

	// If duplicate acks wedged the read loop, a later send would time out
	// waiting for its ack.
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		result := p.Send(ctx, addr, testNotice())
		cancel()
		require.True(t, result.OK(), "send %d failed: %s", i, result.String())
	}
}

func TestChannelProtocol_DialFailure(t *testing.T) {
	p := newChannelProtocol(t)

	result := p.Send(context.Background(), "127.0.0.1:1", testNotice())
	assert.Equal(t, CodeSendFailed, result.Code)
}

func TestChannelProtocol_SendBeforeInit(t *testing.T) {
	p := NewChannelProtocol("10.0.0.1:8080", auth.NewInstanceAuth([]byte(testSecret)),
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	result := p.Send(context.Background(), "10.0.0.2:8080", testNotice())
	assert.Equal(t, CodeSendFailed, result.Code)
}
