package worker

import (
	"context"
	"errors"
	"time"

	"fieldsync/internal/engine"
	"fieldsync/internal/events"

	"github.com/rs/zerolog"
)

// DrainScheduler decides when the queue gets drained without anyone asking:
// once at startup, whenever connectivity comes back, and on a periodic tick
// as a safety net. Manual drains keep going through the control API.
type DrainScheduler struct {
	engine   *engine.Engine
	bus      *events.EventBus
	interval time.Duration
	logger   *zerolog.Logger

	kick chan struct{}
}

func NewDrainScheduler(eng *engine.Engine, bus *events.EventBus, interval time.Duration, logger *zerolog.Logger) *DrainScheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	s := &DrainScheduler{
		engine:   eng,
		bus:      bus,
		interval: interval,
		logger:   logger,
		kick:     make(chan struct{}, 1),
	}

	if bus != nil {
		bus.Subscribe(events.EventConnectivityRestored, func(*events.Event) error {
			s.Kick()
			return nil
		})
	}

	return s
}

// Kick requests a drain outside of the periodic schedule. Coalesces: a kick
// while one is already pending is dropped, the queue is drained whole anyway.
func (s *DrainScheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Start runs the scheduling loop until ctx is done. Session expiry is logged
// and left alone: draining again without fresh credentials cannot succeed,
// so the scheduler waits for the next connectivity or timer trigger after
// the operator re-authenticates.
func (s *DrainScheduler) Start(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("drain scheduler started")
	defer s.logger.Info().Msg("drain scheduler stopped")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.drain(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			s.drain(ctx, "connectivity")
		case <-ticker.C:
			s.drain(ctx, "periodic")
		}
	}
}

func (s *DrainScheduler) drain(ctx context.Context, trigger string) {
	err := s.engine.Drain(ctx)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrSessionExpired):
		s.logger.Warn().Str("trigger", trigger).Msg("drain aborted: session expired, waiting for re-authentication")
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Error().Err(err).Str("trigger", trigger).Msg("drain failed")
	}
}
