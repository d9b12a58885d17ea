// ABOUTME: Gateway orchestrator: constructs and wires every core component for one instance.
// ABOUTME: Owns the HTTP server, relay endpoints, and graceful shutdown ordering.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/luliqiangvision/mall-chat-sub001/internal/auth"
	"github.com/luliqiangvision/mall-chat-sub001/internal/config"
	"github.com/luliqiangvision/mall-chat-sub001/internal/conn"
	"github.com/luliqiangvision/mall-chat-sub001/internal/conversation"
	"github.com/luliqiangvision/mall-chat-sub001/internal/delivery"
	"github.com/luliqiangvision/mall-chat-sub001/internal/directory"
	"github.com/luliqiangvision/mall-chat-sub001/internal/idempotency"
	"github.com/luliqiangvision/mall-chat-sub001/internal/relay"
	"github.com/luliqiangvision/mall-chat-sub001/internal/routing"
	"github.com/luliqiangvision/mall-chat-sub001/internal/session"
	"github.com/luliqiangvision/mall-chat-sub001/internal/store"
	"github.com/luliqiangvision/mall-chat-sub001/internal/worker"
)

// Gateway is one mallchat-server instance: the locally-held connections,
// the distributed registries, and the relay plumbing between instances.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	rdb        *redis.Client
	db         *store.Store
	table      *conn.Table
	sessions   *session.Registry
	dir        *directory.Directory
	dispatcher *delivery.Dispatcher
	relays     *relay.Manager
	guard      *idempotency.Guard
	routing    *routing.Service
	pipeline   *conversation.Service
	repusher   *conversation.Repusher
	pool       *worker.Pool

	httpServer *http.Server
}

// New constructs a gateway from configuration. Nothing starts serving until
// Run; a configuration problem (including an unknown relay protocol name)
// fails here, before the instance accepts any connection.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection test: %w", err)
	}

	db, err := store.Connect(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return build(cfg, rdb, db, logger)
}

// build wires the components over already-open backends. Split from New so
// tests can inject their own Redis and database handles.
func build(cfg *config.Config, rdb *redis.Client, db *store.Store, logger *slog.Logger) (*Gateway, error) {
	selfAddr := cfg.Server.InstanceAddr
	tokens := auth.NewInstanceAuth([]byte(cfg.Relay.Secret))

	table := conn.NewTable(logger)
	sessions := session.NewRegistry(rdb, cfg.Sessions.TTL, logger)
	dir := directory.New(rdb, selfAddr, logger)
	dispatcher := delivery.NewDispatcher(table, logger)
	guard := idempotency.NewGuard(rdb, logger)
	pool := worker.NewPool(cfg.Workers.Size, cfg.Workers.Queue, logger)

	routingSvc := routing.New(
		db,
		routing.NewRedisPoolProvider(rdb),
		sessions,
		rdb,
		cfg.Routing.BindCacheTTL,
		logger,
	)

	relays := relay.NewManager(cfg.Relay.SendTimeout, logger)
	relays.Register(relay.NewChannelProtocol(selfAddr, tokens, logger))
	relays.Register(relay.NewCallProtocol(selfAddr, tokens, logger))
	relays.Register(relay.NewKafkaProtocol(
		selfAddr,
		cfg.Relay.Kafka.Brokers,
		cfg.Relay.Kafka.Topic,
		func(notice *relay.Notice) { dispatcher.Deliver(notice) },
		logger,
	))

	pipeline := conversation.NewService(
		guard,
		conversation.NewSequencer(rdb),
		db,
		routingSvc,
		sessions,
		relays,
		dispatcher,
		pool,
		selfAddr,
		logger,
	)

	repusher := conversation.NewRepusher(db, dispatcher, cfg.PushRetry.MaxAttempts, logger)

	g := &Gateway{
		cfg:        cfg,
		logger:     logger.With("component", "gateway"),
		rdb:        rdb,
		db:         db,
		table:      table,
		sessions:   sessions,
		dir:        dir,
		dispatcher: dispatcher,
		relays:     relays,
		guard:      guard,
		routing:    routingSvc,
		pipeline:   pipeline,
		repusher:   repusher,
		pool:       pool,
	}

	router := g.buildRouter(tokens)
	g.httpServer = &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: router,
	}

	return g, nil
}

// Run activates the relay protocol, joins the instance directory, starts
// the re-push schedule, and serves HTTP until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	// Fail fast: an unknown protocol name must stop the instance before it
	// accepts connections.
	if err := g.relays.Activate(ctx, g.cfg.Relay.Protocol); err != nil {
		return err
	}

	g.dir.Start(ctx)

	if err := g.repusher.Start(g.cfg.PushRetry.Schedule); err != nil {
		return fmt.Errorf("starting re-push schedule: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("http server listening",
			"addr", g.cfg.Server.HTTPAddr,
			"instance", g.cfg.Server.InstanceAddr,
			"relay_protocol", g.relays.ActiveName(),
		)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		g.logger.Info("shutdown signal received")
		return g.shutdown()
	}
}

// shutdown tears components down in reverse dependency order: stop taking
// traffic, drain workers, then leave the cluster.
func (g *Gateway) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := g.httpServer.Shutdown(ctx); err != nil {
		g.logger.Warn("http shutdown failed", "error", err)
	}

	g.repusher.Stop()
	g.pool.Close()
	g.relays.Shutdown(ctx)

	// Unregister local sessions so peers stop relaying to a dead instance.
	for _, c := range g.table.All() {
		g.sessions.Unregister(ctx, c.UserID, c.ID)
	}
	g.dir.Stop(ctx)
	g.guard.Close()

	if err := g.rdb.Close(); err != nil {
		g.logger.Warn("redis close failed", "error", err)
	}

	g.logger.Info("shutdown complete")
	return nil
}

// Pipeline exposes the submission service to the transport layer.
func (g *Gateway) Pipeline() *conversation.Service {
	return g.pipeline
}

// Routing exposes the agent routing service to the transport layer.
func (g *Gateway) Routing() *routing.Service {
	return g.routing
}

func (g *Gateway) buildRouter(tokens *auth.InstanceAuth) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", g.handleHealth)

	internal := router.Group("/internal", instanceAuthMiddleware(tokens, g.logger))
	internal.POST("/relay/notify", g.handleRelayNotify)
	internal.GET("/relay/channel", g.handleRelayChannel)

	return router
}
