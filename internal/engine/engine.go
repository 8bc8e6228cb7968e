package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/events"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"
	"fieldsync/internal/remote"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrSessionExpired is returned by Drain when the milestone service rejects
// the session. The remaining queue has been wiped and the caller must
// re-authenticate before enqueueing more work.
var ErrSessionExpired = errors.New("session expired: re-authentication required")

// Engine owns the offline queue: it captures updates instantly, drains them
// against the milestone service one at a time, and applies the
// failure-class recovery policies (retry with backoff, server-wins discard,
// session abort).
type Engine struct {
	store   domain.QueueStore
	remote  domain.MilestoneService
	events  domain.EventPublisher
	sleeper domain.Sleeper
	policy  RetryPolicy
	logger  *zerolog.Logger

	// mu serializes every load→mutate→save round trip; draining is the
	// re-entrancy guard keeping remote calls strictly sequential.
	mu       sync.Mutex
	draining atomic.Bool
}

func New(store domain.QueueStore, remoteSvc domain.MilestoneService, bus domain.EventPublisher, policy RetryPolicy, logger *zerolog.Logger) *Engine {
	if policy.MaxRetries == 0 {
		policy = DefaultRetryPolicy()
	}

	return &Engine{
		store:   store,
		remote:  remoteSvc,
		events:  bus,
		sleeper: TimerSleeper{},
		policy:  policy,
		logger:  logger,
	}
}

// SetSleeper replaces the backoff sleeper. Call before the first Drain.
func (e *Engine) SetSleeper(s domain.Sleeper) {
	if s != nil {
		e.sleeper = s
	}
}

// Enqueue captures one milestone update immediately, regardless of
// connectivity. The update gets a client-generated id that stays stable
// across retries.
func (e *Engine) Enqueue(ctx context.Context, componentID, milestoneName string, value models.Value, userID string) (*models.QueuedUpdate, error) {
	update := models.QueuedUpdate{
		ID:            uuid.NewString(),
		ComponentID:   componentID,
		MilestoneName: milestoneName,
		Value:         value,
		Timestamp:     time.Now().UTC(),
		UserID:        userID,
	}

	q, err := e.withQueue(ctx, func(q *models.Queue) error {
		q.Updates = append(q.Updates, update)
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.SetQueueDepth(len(q.Updates), len(q.FailedUpdates))
	e.publish(events.EventUpdateEnqueued, events.UpdatePayload{
		UpdateID:      update.ID,
		ComponentID:   componentID,
		MilestoneName: milestoneName,
		UserID:        userID,
	})

	e.logger.Debug().
		Str("update_id", update.ID).
		Str("component_id", componentID).
		Str("milestone", milestoneName).
		Msg("update enqueued")

	return &update, nil
}

// Drain resolves every queued update strictly in enqueue order. It is a
// no-op when another drain is already in flight in this process, and when
// the queue is empty. It returns ErrSessionExpired after an authentication
// failure wiped the remaining queue.
func (e *Engine) Drain(ctx context.Context) error {
	if !e.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer e.draining.Store(false)

	empty := false
	_, err := e.withQueue(ctx, func(q *models.Queue) error {
		if len(q.Updates) == 0 {
			empty = true
			q.SyncStatus = models.SyncIdle
			return nil
		}
		next, err := models.Transition(q.SyncStatus, models.EventDrainStarted)
		if err != nil {
			return err
		}
		q.SyncStatus = next
		return nil
	})
	if err != nil {
		return err
	}
	if empty {
		return nil
	}

	var applied, discarded, failed int
	for {
		update, ok, err := e.front(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		_, callErr := e.remote.ApplyMilestoneUpdate(ctx, update.ComponentID, update.MilestoneName, update.Value.Numeric(), update.UserID)
		if callErr == nil {
			metrics.IncSyncAttempt(metrics.OutcomeSuccess)
			if _, err := e.withQueue(ctx, func(q *models.Queue) error {
				q.Remove(update.ID)
				return nil
			}); err != nil {
				return err
			}
			applied++
			continue
		}

		switch remote.ClassOf(callErr) {
		case remote.ClassConflict:
			// Server wins: a newer write superseded this one. Drop it
			// without recording an error.
			metrics.IncSyncAttempt(metrics.OutcomeConflict)
			e.logger.Info().
				Str("update_id", update.ID).
				Str("component_id", update.ComponentID).
				Str("milestone", update.MilestoneName).
				Msg("update superseded remotely, discarding")
			if _, err := e.withQueue(ctx, func(q *models.Queue) error {
				q.Remove(update.ID)
				return nil
			}); err != nil {
				return err
			}
			discarded++

		case remote.ClassAuth:
			metrics.IncSyncAttempt(metrics.OutcomeAuth)
			return e.abortForAuth(ctx, update.UserID)

		default:
			metrics.IncSyncAttempt(metrics.OutcomeTransient)
			exhausted, retryCount, err := e.recordTransientFailure(ctx, update.ID, callErr)
			if err != nil {
				return err
			}
			if exhausted {
				failed++
				metrics.IncSyncAttempt(metrics.OutcomeExhausted)
				e.logger.Error().
					Str("update_id", update.ID).
					Str("component_id", update.ComponentID).
					Err(callErr).
					Msg("update exhausted retries")
				continue
			}

			delay := e.policy.NextDelay(retryCount)
			e.logger.Warn().
				Str("update_id", update.ID).
				Int("retry_count", retryCount).
				Dur("backoff", delay).
				Err(callErr).
				Msg("transient failure, retrying")
			// Later updates wait out the backoff too: the queue is drained
			// in strict enqueue order. A cancelled wait leaves the
			// persisted status at "syncing" so a restart resumes honestly.
			if err := e.sleeper.Sleep(ctx, delay); err != nil {
				return err
			}
		}
	}

	return e.finishDrain(ctx, applied, discarded, failed)
}

// RetryFailed moves every failed update back into the queue in original
// failure order with a fresh retry budget, then drains.
func (e *Engine) RetryFailed(ctx context.Context) error {
	moved := 0
	q, err := e.withQueue(ctx, func(q *models.Queue) error {
		for _, f := range q.FailedUpdates {
			u := f.Update
			u.RetryCount = 0
			q.Updates = append(q.Updates, u)
		}
		moved = len(q.FailedUpdates)
		q.FailedUpdates = []models.FailedUpdate{}
		return nil
	})
	if err != nil {
		return err
	}
	if moved == 0 {
		return nil
	}

	metrics.SetQueueDepth(len(q.Updates), 0)
	e.logger.Info().Int("count", moved).Msg("failed updates re-enqueued for manual retry")
	return e.Drain(ctx)
}

// Status returns the persisted engine status.
func (e *Engine) Status(ctx context.Context) (models.SyncStatus, error) {
	q, err := e.withQueue(ctx, nil)
	if err != nil {
		return "", err
	}
	return q.SyncStatus, nil
}

// Counts returns the pending and failed queue sizes.
func (e *Engine) Counts(ctx context.Context) (pending, failed int, err error) {
	q, err := e.withQueue(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	return len(q.Updates), len(q.FailedUpdates), nil
}

// FailedUpdates returns the terminally failed updates for the UI layer.
func (e *Engine) FailedUpdates(ctx context.Context) ([]models.FailedUpdate, error) {
	q, err := e.withQueue(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make([]models.FailedUpdate, len(q.FailedUpdates))
	copy(out, q.FailedUpdates)
	return out, nil
}

// withQueue runs one locked load→mutate→save round trip. A nil mutate is a
// plain read.
func (e *Engine) withQueue(ctx context.Context, mutate func(q *models.Queue) error) (*models.Queue, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, err := e.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	if mutate == nil {
		return q, nil
	}
	if err := mutate(q); err != nil {
		return nil, err
	}
	if err := e.store.Save(ctx, q); err != nil {
		return nil, fmt.Errorf("save queue: %w", err)
	}
	return q, nil
}

func (e *Engine) front(ctx context.Context) (models.QueuedUpdate, bool, error) {
	q, err := e.withQueue(ctx, nil)
	if err != nil {
		return models.QueuedUpdate{}, false, err
	}
	update, ok := q.Front()
	return update, ok, nil
}

// recordTransientFailure bumps the retry counter for the update and moves
// it to the failed list when the counter passes the cap.
func (e *Engine) recordTransientFailure(ctx context.Context, updateID string, cause error) (exhausted bool, retryCount int, err error) {
	q, err := e.withQueue(ctx, func(q *models.Queue) error {
		for i := range q.Updates {
			if q.Updates[i].ID != updateID {
				continue
			}
			q.Updates[i].RetryCount++
			retryCount = q.Updates[i].RetryCount
			if retryCount > e.policy.MaxRetries {
				q.FailedUpdates = append(q.FailedUpdates, models.FailedUpdate{
					Update:       q.Updates[i],
					ErrorMessage: cause.Error(),
					FailedAt:     time.Now().UTC(),
				})
				q.Updates = append(q.Updates[:i], q.Updates[i+1:]...)
				exhausted = true
			}
			return nil
		}
		return fmt.Errorf("update %s disappeared from the queue", updateID)
	})
	if err != nil {
		return false, 0, err
	}

	metrics.SetQueueDepth(len(q.Updates), len(q.FailedUpdates))
	return exhausted, retryCount, nil
}

// abortForAuth wipes the remaining queue and returns to idle: an expired
// session is a login problem, not a sync failure.
func (e *Engine) abortForAuth(ctx context.Context, userID string) error {
	q, err := e.withQueue(ctx, func(q *models.Queue) error {
		dropped := len(q.Updates)
		q.Updates = []models.QueuedUpdate{}
		next, err := models.Transition(q.SyncStatus, models.EventAuthAborted)
		if err != nil {
			return err
		}
		q.SyncStatus = next
		e.logger.Warn().Int("dropped", dropped).Msg("session expired, queue cleared")
		return nil
	})
	if err != nil {
		return err
	}

	metrics.SetQueueDepth(0, len(q.FailedUpdates))
	metrics.IncDrain(metrics.DrainAborted)
	e.publish(events.EventSessionExpired, events.UpdatePayload{UserID: userID})
	return ErrSessionExpired
}

func (e *Engine) finishDrain(ctx context.Context, applied, discarded, failed int) error {
	ev := models.EventDrainClean
	if failed > 0 {
		ev = models.EventDrainFailed
	}

	q, err := e.withQueue(ctx, func(q *models.Queue) error {
		next, err := models.Transition(q.SyncStatus, ev)
		if err != nil {
			return err
		}
		q.SyncStatus = next
		return nil
	})
	if err != nil {
		return err
	}

	metrics.SetQueueDepth(len(q.Updates), len(q.FailedUpdates))
	payload := events.SyncResultPayload{
		Applied:   applied,
		Discarded: discarded,
		Failed:    failed,
		Status:    string(q.SyncStatus),
	}
	if failed > 0 {
		metrics.IncDrain(metrics.DrainError)
		e.publish(events.EventSyncFailed, payload)
	} else {
		metrics.IncDrain(metrics.DrainClean)
		e.publish(events.EventSyncCompleted, payload)
	}

	e.logger.Info().
		Int("applied", applied).
		Int("discarded", discarded).
		Int("failed", failed).
		Str("status", string(q.SyncStatus)).
		Msg("drain cycle finished")

	return nil
}

func (e *Engine) publish(eventType string, payload interface{}) {
	if e.events == nil {
		return
	}
	if err := e.events.PublishJSON(eventType, payload); err != nil {
		e.logger.Warn().Err(err).Str("event", eventType).Msg("event publish failed")
	}
}
