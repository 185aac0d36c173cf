package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdhttp "net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/wirerelay/internal/auth"
	"github.com/vovakirdan/wirerelay/internal/config"
	"github.com/vovakirdan/wirerelay/internal/fanout"
	"github.com/vovakirdan/wirerelay/internal/gateway"
	"github.com/vovakirdan/wirerelay/internal/metrics"
	"github.com/vovakirdan/wirerelay/internal/presence"
	"github.com/vovakirdan/wirerelay/internal/queue"
	"github.com/vovakirdan/wirerelay/internal/retry"
	"github.com/vovakirdan/wirerelay/internal/rooms"
	"github.com/vovakirdan/wirerelay/internal/store/redis"
	"github.com/vovakirdan/wirerelay/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/wirerelay/internal/transport/http"
	"github.com/vovakirdan/wirerelay/internal/utils"
)

// App wires the relay components together.
type App struct {
	cfg     *config.Config
	rdb     *goredis.Client
	closers []io.Closer
	gw      *gateway.Gateway
	router  *gateway.Router
	sweeper *gateway.Sweeper
	deps    transporthttp.Deps
	log     *zerolog.Logger
}

// New connects to the stores and builds every component.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	rdb, err := redis.New(ctx, redis.Config{
		Addr:     cfg.Relay.StoreEndpoint,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("init redis: %w", err)
	}
	a := &App{cfg: cfg, rdb: rdb, closers: []io.Closer{rdb}, log: logger}

	policy := retry.NewPolicy(cfg.Relay.QueueRetryMaxAttempts, cfg.Relay.QueueRetryBackoff())

	q, err := a.openQueue()
	if err != nil {
		a.cleanup()
		return nil, err
	}
	q = queue.WithRetry(q, policy)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewPrometheus(reg)

	gatewayID := cfg.GatewayID
	if gatewayID == "" {
		gatewayID = utils.NewID()
	}
	p := presence.NewRedisStore(rdb, cfg.Relay.HeartbeatTimeout())
	r := rooms.NewRedisRegistry(rdb)
	conns := gateway.NewConnTable()
	resolver := auth.NewJWTResolver(&auth.JWTConfig{
		Secret:   []byte(cfg.JWT.Secret),
		Issuer:   cfg.JWT.Issuer,
		Audience: cfg.JWT.Audience,
	})

	a.router = gateway.NewRouter(gatewayID, conns, rdb, q, rec, logger)
	coord := fanout.New(p, r, q, a.router, fanout.Options{
		Policy:  policy,
		Metrics: rec,
		Logger:  logger,
	})
	a.gw = gateway.New(gateway.Config{
		ID:                 gatewayID,
		HeartbeatInterval:  cfg.Relay.HeartbeatInterval(),
		HeartbeatMissLimit: cfg.Relay.HeartbeatMissLimit,
		AuthTimeout:        cfg.Gateway.AuthTimeout,
		AckTimeout:         cfg.Queue.AckTimeout,
		DrainWindow:        cfg.Queue.DrainWindow,
		SendBuffer:         cfg.Gateway.SendBuffer,
		DedupSize:          cfg.Gateway.DedupSize,
		RateLimit:          cfg.Gateway.RateLimit,
		Retry:              policy,
	}, gateway.Deps{
		Presence: p,
		Rooms:    r,
		Queue:    q,
		Sender:   coord,
		Resolver: resolver,
		Conns:    conns,
		Metrics:  rec,
		Logger:   logger,
	})
	a.sweeper = gateway.NewSweeper(p, r, cfg.Gateway.SweepInterval, logger)

	a.deps = transporthttp.Deps{
		Gateway:  a.gw,
		Presence: p,
		Rooms:    r,
		Queue:    q,
		Resolver: resolver,
		Gatherer: reg,
	}

	logger.Info().
		Str("gateway_id", a.gw.ID()).
		Str("store", cfg.Relay.StoreEndpoint).
		Str("queue_backend", cfg.Queue.Backend).
		Msg("relay initialized")
	return a, nil
}

func (a *App) openQueue() (queue.Queue, error) {
	switch a.cfg.Queue.Backend {
	case config.QueueBackendSQLite:
		st, err := sqlite.New(a.cfg.Queue.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("init sqlite queue: %w", err)
		}
		st.SetPageSize(a.cfg.Queue.DrainPageSize)
		a.closers = append(a.closers, st)
		a.log.Info().Str("db_path", a.cfg.Queue.SQLitePath).Msg("sqlite queue opened")
		return st, nil
	default:
		return queue.NewRedis(a.rdb, queue.WithPageSize(a.cfg.Queue.DrainPageSize)), nil
	}
}

// Run serves until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	server := transporthttp.NewServer(gctx, a.deps, a.cfg, a.log)

	g.Go(func() error {
		return a.router.Run(gctx)
	})
	g.Go(func() error {
		return a.sweeper.Run(gctx)
	})
	g.Go(func() error {
		a.log.Info().Str("addr", a.cfg.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		return server.Shutdown(shutdownCtx)
	})

	err := g.Wait()

	// Sessions were cancelled with gctx; let their cleanup reach the stores
	// before the clients close.
	waitCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	if waitErr := a.gw.Wait(waitCtx); waitErr != nil {
		a.log.Warn().Err(waitErr).Msg("connections still open at shutdown")
	}
	a.cleanup()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.ShutdownTimeout > 0 {
		return a.cfg.ShutdownTimeout
	}
	return 5 * time.Second
}

// cleanup closes stores in reverse order of opening.
func (a *App) cleanup() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		}
	}
	a.closers = nil
}
