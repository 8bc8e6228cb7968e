package repository

import (
	"context"
	"sync/atomic"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/models"

	"github.com/rs/zerolog"
)

// FailoverQueueStore routes snapshot traffic to the primary store and drops
// to the fallback when the primary starts failing. The primary is probed
// again after a minute.
type FailoverQueueStore struct {
	primary   domain.QueueStore
	fallback  domain.QueueStore
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck time.Time
}

func NewFailoverQueueStore(primary, fallback domain.QueueStore, logger *zerolog.Logger) *FailoverQueueStore {
	return &FailoverQueueStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (r *FailoverQueueStore) Load(ctx context.Context) (*models.Queue, error) {
	if !r.isDown.Load() {
		queue, err := r.primary.Load(ctx)
		if err == nil {
			return queue, nil
		}
		r.logger.Error().Err(err).Msg("Primary queue store failed, falling back")
		r.isDown.Store(true)
		r.lastCheck = time.Now()
	}

	// Try to recover after 1 minute
	if r.isDown.Load() && time.Since(r.lastCheck) > time.Minute {
		queue, err := r.primary.Load(ctx)
		if err == nil {
			r.isDown.Store(false)
			return queue, nil
		}
		r.lastCheck = time.Now()
	}

	return r.fallback.Load(ctx)
}

func (r *FailoverQueueStore) Save(ctx context.Context, queue *models.Queue) error {
	if !r.isDown.Load() {
		err := r.primary.Save(ctx, queue)
		if err == nil {
			return nil
		}
		r.logger.Error().Err(err).Msg("Primary queue store failed, falling back")
		r.isDown.Store(true)
		r.lastCheck = time.Now()
	}

	return r.fallback.Save(ctx, queue)
}
