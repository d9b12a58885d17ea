// ABOUTME: Connection lifecycle callbacks invoked by the transport read/write loop.
// ABOUTME: Establish/heartbeat/close drive the local table and the distributed registry.

package gateway

import (
	"context"

	"github.com/luliqiangvision/mall-chat-sub001/internal/conn"
	"github.com/luliqiangvision/mall-chat-sub001/internal/conversation"
)

// OnConnect registers a newly established client connection: locally in the
// connection table and cluster-wide in the session registry. The registry
// write is fail-open; the connection stays usable even during a Redis outage.
func (g *Gateway) OnConnect(ctx context.Context, userID, connID string, pusher conn.Pusher) error {
	c := conn.NewConn(connID, userID, pusher)
	if err := g.table.Add(c); err != nil {
		return err
	}
	g.sessions.Register(ctx, userID, connID, g.cfg.Server.InstanceAddr)
	return nil
}

// OnHeartbeat extends the connection's registration. Called for every
// heartbeat frame the transport loop reads.
func (g *Gateway) OnHeartbeat(ctx context.Context, connID string) {
	g.sessions.Refresh(ctx, connID)
}

// OnClose removes the connection locally and cluster-wide. Called for
// graceful closes; ungraceful ones are covered by TTL expiry.
func (g *Gateway) OnClose(ctx context.Context, userID, connID string) {
	g.table.Remove(connID)
	g.sessions.Unregister(ctx, userID, connID)
}

// OnMessage runs one inbound message through the submission pipeline.
func (g *Gateway) OnMessage(ctx context.Context, sub *conversation.Submission) (*conversation.SubmitResult, error) {
	return g.pipeline.Submit(ctx, sub)
}
