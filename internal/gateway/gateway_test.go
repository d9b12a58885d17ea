// ABOUTME: Tests for gateway wiring, relay endpoints, and connection lifecycle
// ABOUTME: Runs the real router over miniredis and in-memory SQLite

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/luliqiangvision/mall-chat-sub001/internal/auth"
	"github.com/luliqiangvision/mall-chat-sub001/internal/config"
	"github.com/luliqiangvision/mall-chat-sub001/internal/conversation"
	"github.com/luliqiangvision/mall-chat-sub001/internal/relay"
	"github.com/luliqiangvision/mall-chat-sub001/internal/store"
)

const testRelaySecret = "test-cluster-secret"

type capturePusher struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (p *capturePusher) Push(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *capturePusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Server.InstanceAddr = "10.0.0.1:8080"
	cfg.Relay.Protocol = "call"
	cfg.Relay.Secret = testRelaySecret
	cfg.Relay.SendTimeout = time.Second
	cfg.Sessions.TTL = 5 * time.Minute
	cfg.Routing.BindCacheTTL = 5 * time.Minute
	cfg.Workers.Size = 2
	cfg.Workers.Queue = 16
	cfg.PushRetry.Schedule = "@every 1m"
	cfg.PushRetry.MaxAttempts = 3
	return cfg
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	st := store.NewWithDB(db)
	require.NoError(t, st.Migrate())

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	g, err := build(testConfig(), rdb, st, log)
	require.NoError(t, err)
	t.Cleanup(func() {
		g.pool.Close()
		g.guard.Close()
		rdb.Close()
	})
	return g
}

func bearerFor(t *testing.T, instanceAddr string) string {
	t.Helper()
	token, err := auth.NewInstanceAuth([]byte(testRelaySecret)).Mint(instanceAddr)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestRelayNotify_RequiresAuth(t *testing.T) {
	g := newTestGateway(t)

	body, _ := json.Marshal(relay.Notice{ConversationID: "conv-1", ServerMsgID: 1})
	req := httptest.NewRequest(http.MethodPost, relay.NotifyPath, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRelayNotify_RejectsBadToken(t *testing.T) {
	g := newTestGateway(t)

	body, _ := json.Marshal(relay.Notice{ConversationID: "conv-1", ServerMsgID: 1})
	req := httptest.NewRequest(http.MethodPost, relay.NotifyPath, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRelayNotify_DeliversToLocalConnection(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	pusher := &capturePusher{}
	require.NoError(t, g.OnConnect(ctx, "agent-1", "conn-a1", pusher))

	body, _ := json.Marshal(relay.Notice{
		ConversationID: "conv-1",
		ServerMsgID:    5,
		TargetUserIDs:  []string{"agent-1"},
	})
	req := httptest.NewRequest(http.MethodPost, relay.NotifyPath, bytes.NewReader(body))
	req.Header.Set("Authorization", bearerFor(t, "10.0.0.2:8080"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp relay.NotifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 1, pusher.count())
}

func TestRelayNotify_MissIsStillTransportSuccess(t *testing.T) {
	g := newTestGateway(t)

	body, _ := json.Marshal(relay.Notice{
		ConversationID: "conv-1",
		ServerMsgID:    5,
		TargetUserIDs:  []string{"user-not-here"},
	})
	req := httptest.NewRequest(http.MethodPost, relay.NotifyPath, bytes.NewReader(body))
	req.Header.Set("Authorization", bearerFor(t, "10.0.0.2:8080"))
	rec := httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRelayNotify_MalformedBody(t *testing.T) {
	g := newTestGateway(t)

	req := httptest.NewRequest(http.MethodPost, relay.NotifyPath, strings.NewReader("{not json"))
	req.Header.Set("Authorization", bearerFor(t, "10.0.0.2:8080"))
	rec := httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRelayChannel_NoticeAndAck(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	pusher := &capturePusher{}
	require.NoError(t, g.OnConnect(ctx, "agent-1", "conn-a1", pusher))

	srv := httptest.NewServer(g.httpServer.Handler)
	t.Cleanup(srv.Close)

	header := http.Header{}
	header.Set("Authorization", bearerFor(t, "10.0.0.2:8080"))
	wsURL := "ws://" + strings.TrimPrefix(srv.URL, "http://") + relay.ChannelPath
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer ws.Close()

	frame := relay.Frame{
		ID:   "frame-1",
		Type: relay.FrameNotice,
		Notice: &relay.Notice{
			ConversationID: "conv-1",
			ServerMsgID:    5,
			TargetUserIDs:  []string{"agent-1"},
		},
	}
	require.NoError(t, ws.WriteJSON(&frame))

	var ack relay.Frame
	require.NoError(t, ws.ReadJSON(&ack))
	assert.Equal(t, "frame-1", ack.ID)
	assert.Equal(t, relay.FrameAck, ack.Type)
	assert.True(t, ack.Success)
	assert.Equal(t, 1, pusher.count())
}

func TestHealthz(t *testing.T) {
	g := newTestGateway(t)

	// Before the relay protocol activates, the instance reports unavailable.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, g.relays.Activate(context.Background(), "call"))

	rec = httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["redis"])
	assert.Equal(t, true, body["relay"])
	assert.Equal(t, "call", body["relay_protocol"])
}

func TestRun_UnknownProtocolFailsFast(t *testing.T) {
	g := newTestGateway(t)
	g.cfg.Relay.Protocol = "carrier-pigeon"

	err := g.Run(context.Background())
	assert.ErrorIs(t, err, relay.ErrUnknownProtocol)
}

func TestLifecycle_ConnectHeartbeatClose(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	pusher := &capturePusher{}
	require.NoError(t, g.OnConnect(ctx, "user-1", "conn-1", pusher))
	assert.Equal(t, 1, g.table.Len())

	entries := g.sessions.LookupInstances(ctx, "user-1")
	require.Len(t, entries, 1)
	assert.Equal(t, "10.0.0.1:8080", entries[0].InstanceAddr)

	g.OnHeartbeat(ctx, "conn-1")

	// A second connect with the same conn ID is rejected locally.
	assert.Error(t, g.OnConnect(ctx, "user-1", "conn-1", pusher))

	g.OnClose(ctx, "user-1", "conn-1")
	assert.Equal(t, 0, g.table.Len())
	assert.Empty(t, g.sessions.LookupInstances(ctx, "user-1"))
}

func TestOnMessage_RunsPipeline(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.db.CreateConversation(ctx, &store.Conversation{
		ID:         "conv-1",
		CustomerID: "cust-1",
		TenantID:   "tenant-1",
	}))
	require.NoError(t, g.db.AddMember(ctx, "conv-1", store.MemberCustomer, "cust-1"))

	result, err := g.OnMessage(ctx, &conversation.Submission{
		ConversationID: "conv-1",
		ClientMsgID:    "client-1",
		SenderID:       "cust-1",
		Content:        "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.ServerMsgID)
	assert.False(t, result.Duplicate)

	// The persisted row is queryable through the pull path.
	msgs, err := g.db.MessagesSince(ctx, "conv-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "client-1", msgs[0].ClientMsgID)

	// A duplicate resolves to the same sequence without a second row.
	dup, err := g.OnMessage(ctx, &conversation.Submission{
		ConversationID: "conv-1",
		ClientMsgID:    "client-1",
		SenderID:       "cust-1",
		Content:        "hello",
	})
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, result.ServerMsgID, dup.ServerMsgID)
}
