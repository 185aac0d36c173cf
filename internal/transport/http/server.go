package http

import (
	"context"
	"net"
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirerelay/internal/auth"
	"github.com/vovakirdan/wirerelay/internal/config"
	"github.com/vovakirdan/wirerelay/internal/gateway"
	"github.com/vovakirdan/wirerelay/internal/presence"
	"github.com/vovakirdan/wirerelay/internal/queue"
	"github.com/vovakirdan/wirerelay/internal/rooms"
)

// Deps are the relay components exposed over HTTP.
type Deps struct {
	Gateway  *gateway.Gateway
	Presence presence.Store
	Rooms    rooms.Registry
	Queue    queue.Queue
	Resolver auth.Resolver
	// Gatherer backs /metrics; the route is skipped when nil.
	Gatherer prometheus.Gatherer
}

// NewServer builds the HTTP server. Connections inherit ctx, so cancelling it
// ends every WebSocket session, including hijacked ones Shutdown cannot see.
func NewServer(ctx context.Context, d Deps, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(d, cfg, logger),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}

// NewRouter registers all routes on a gin engine.
func NewRouter(d Deps, cfg *config.Config, logger *zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	router.GET("/health", healthHandler)
	if d.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}
	router.GET("/ws", gin.WrapH(NewWSHandler(d.Gateway, cfg.MaxMessageBytes, logger)))

	inspect := NewInspectHandlers(d.Gateway, d.Presence, d.Rooms, d.Queue, logger)
	api := router.Group("/api")
	api.Use(AuthMiddleware(d.Resolver, logger))
	{
		api.GET("/presence/:userId", inspect.Presence)
		api.GET("/rooms/:roomId/members", inspect.RoomMembers)
		api.GET("/queue/:userId", inspect.QueuePending)
	}

	return router
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
