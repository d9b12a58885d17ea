// ABOUTME: HTTP handlers for the relay endpoints and health check.
// ABOUTME: Peers hit /internal/relay/*; both protocols funnel into local delivery.

package gateway

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/luliqiangvision/mall-chat-sub001/internal/auth"
	"github.com/luliqiangvision/mall-chat-sub001/internal/relay"
)

var channelUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// instanceAuthMiddleware verifies the Bearer token peer instances present.
func instanceAuthMiddleware(tokens *auth.InstanceAuth, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenString, found := strings.CutPrefix(header, "Bearer ")
		if !found {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		peerAddr, err := tokens.Verify(tokenString)
		if err != nil {
			logger.Warn("relay auth failed", "error", err, "remote", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("peer_instance", peerAddr)
		c.Next()
	}
}

// handleHealth reports component health for load balancers and operators.
func (g *Gateway) handleHealth(c *gin.Context) {
	redisOK := g.rdb.Ping(c.Request.Context()).Err() == nil
	relayOK := g.relays.Healthy()

	status := http.StatusOK
	if !redisOK || !relayOK {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"redis":          redisOK,
		"relay":          relayOK,
		"relay_protocol": g.relays.ActiveName(),
		"local_conns":    g.table.Len(),
	})
}

// handleRelayNotify is the request/response relay endpoint: accept one
// notice, resolve each target user's local connections, push, and report.
// A delivery miss is still success at the transport level; the sender
// treats only transport failures as undeliverable.
func (g *Gateway) handleRelayNotify(c *gin.Context) {
	var notice relay.Notice
	if err := c.ShouldBindJSON(&notice); err != nil {
		c.JSON(http.StatusBadRequest, relay.NotifyResponse{
			Success: false,
			Error:   "malformed notice: " + err.Error(),
		})
		return
	}

	result := g.dispatcher.Deliver(&notice)
	g.logger.Debug("relay notice handled",
		"peer", c.GetString("peer_instance"),
		"conversation_id", notice.ConversationID,
		"delivered", result.Delivered,
		"misses", result.Misses,
	)

	c.JSON(http.StatusOK, relay.NotifyResponse{
		Success: true,
		Message: "delivered",
	})
}

// handleRelayChannel upgrades a peer's long-lived relay channel and serves
// it until the peer disconnects: notices in, acks out.
func (g *Gateway) handleRelayChannel(c *gin.Context) {
	peer := c.GetString("peer_instance")

	ws, err := channelUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("channel upgrade failed", "error", err, "peer", peer)
		return
	}
	defer ws.Close()

	g.logger.Info("relay channel accepted", "peer", peer)

	for {
		var frame relay.Frame
		if err := ws.ReadJSON(&frame); err != nil {
			g.logger.Info("relay channel closed", "peer", peer)
			return
		}

		if frame.Type != relay.FrameNotice || frame.Notice == nil {
			g.logger.Warn("unexpected frame on relay channel", "type", frame.Type, "peer", peer)
			continue
		}

		g.dispatcher.Deliver(frame.Notice)

		ack := relay.Frame{
			ID:      frame.ID,
			Type:    relay.FrameAck,
			Success: true,
		}
		if err := ws.WriteJSON(&ack); err != nil {
			g.logger.Warn("channel ack write failed", "error", err, "peer", peer)
			return
		}
	}
}
