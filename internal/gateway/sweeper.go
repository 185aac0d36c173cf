package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirerelay/internal/presence"
	"github.com/vovakirdan/wirerelay/internal/rooms"
)

const sweepBatch = 256

// Sweeper expires connections whose heartbeat went stale without a clean
// close (network loss, crashed gateway) and detaches them from their rooms.
type Sweeper struct {
	presence presence.Store
	rooms    rooms.Registry
	interval time.Duration
	log      *zerolog.Logger
}

func NewSweeper(p presence.Store, r rooms.Registry, interval time.Duration, logger *zerolog.Logger) *Sweeper {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Sweeper{presence: p, rooms: r, interval: interval, log: logger}
}

// Run sweeps every interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.log.Warn().Err(err).Msg("presence sweep")
			}
		}
	}
}

// SweepOnce expires stale connections and returns them.
func (s *Sweeper) SweepOnce(ctx context.Context) ([]presence.Connection, error) {
	var all []presence.Connection
	for {
		expired, err := s.presence.Sweep(ctx, sweepBatch)
		for _, c := range expired {
			if _, rerr := s.rooms.Disconnect(ctx, c.ID); rerr != nil {
				s.log.Warn().Err(rerr).Str("conn_id", c.ID).Msg("detach expired connection from rooms")
			}
			s.log.Info().Str("conn_id", c.ID).Str("user_id", c.UserID).Msg("expired stale connection")
		}
		all = append(all, expired...)
		if err != nil {
			return all, err
		}
		if len(expired) < sweepBatch {
			return all, nil
		}
	}
}
