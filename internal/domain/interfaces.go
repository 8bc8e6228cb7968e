package domain

import (
	"context"
	"time"

	"fieldsync/internal/models"
)

// QueueStore persists the queue as a single snapshot. Load returns the
// default empty queue (and persists it) when no snapshot exists yet; Save
// atomically replaces the previous snapshot.
type QueueStore interface {
	Load(ctx context.Context) (*models.Queue, error)
	Save(ctx context.Context, queue *models.Queue) error
}

// MilestoneService is the remote authority that applies one milestone
// update. Errors carry a classification (conflict, authentication,
// transient) that the engine inspects via the remote package helpers.
type MilestoneService interface {
	ApplyMilestoneUpdate(ctx context.Context, componentID, milestoneName string, value int64, userID string) (*models.MilestoneReceipt, error)
}

// EventPublisher fans sync outcomes out to consumers (UI layer, logs).
type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// Sleeper abstracts the backoff wait so tests can substitute a fake clock.
// Sleep returns early with the context error when ctx is cancelled.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// ConnectivitySource is the signal surface of the network monitor.
type ConnectivitySource interface {
	IsOnline() bool
	OnConnectivityRestored(fn func())
}
