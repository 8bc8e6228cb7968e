package models

import "fmt"

// SyncStatus is the persisted state of the sync engine.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncError   SyncStatus = "error"
)

func (s SyncStatus) Valid() bool {
	switch s {
	case SyncIdle, SyncSyncing, SyncError:
		return true
	}
	return false
}

// SyncEvent drives status transitions. Every mutation of the status goes
// through Transition so invalid combinations cannot be persisted.
type SyncEvent string

const (
	EventDrainStarted SyncEvent = "drain_started"
	EventDrainClean   SyncEvent = "drain_clean"
	EventDrainFailed  SyncEvent = "drain_failed"
	EventAuthAborted  SyncEvent = "auth_aborted"
	EventManualRetry  SyncEvent = "manual_retry"
)

// Transition returns the status that follows s after ev. A stale "syncing"
// left over from a process restart may start a fresh drain, which is why
// drain_started is accepted from every state.
func Transition(s SyncStatus, ev SyncEvent) (SyncStatus, error) {
	switch ev {
	case EventDrainStarted, EventManualRetry:
		return SyncSyncing, nil
	case EventDrainClean, EventAuthAborted:
		if s != SyncSyncing {
			return s, fmt.Errorf("invalid transition %s on %s", ev, s)
		}
		return SyncIdle, nil
	case EventDrainFailed:
		if s != SyncSyncing {
			return s, fmt.Errorf("invalid transition %s on %s", ev, s)
		}
		return SyncError, nil
	default:
		return s, fmt.Errorf("unknown sync event %q", ev)
	}
}

// Queue is the single persisted aggregate: pending updates in enqueue
// order, terminally failed updates, and the engine status.
type Queue struct {
	Updates       []QueuedUpdate `json:"updates"`
	FailedUpdates []FailedUpdate `json:"failed_updates"`
	SyncStatus    SyncStatus     `json:"sync_status"`
}

// NewQueue returns the default empty queue persisted on first access.
func NewQueue() *Queue {
	return &Queue{
		Updates:       []QueuedUpdate{},
		FailedUpdates: []FailedUpdate{},
		SyncStatus:    SyncIdle,
	}
}

// CheckInvariants reports structural violations of the queue contract.
func (q *Queue) CheckInvariants() error {
	if !q.SyncStatus.Valid() {
		return fmt.Errorf("invalid sync status %q", q.SyncStatus)
	}
	if q.SyncStatus == SyncError && len(q.FailedUpdates) == 0 {
		return fmt.Errorf("sync status is error but no failed updates recorded")
	}
	for _, u := range q.Updates {
		if u.RetryCount < 0 || u.RetryCount > MaxRetryCount {
			return fmt.Errorf("update %s has retry count %d outside [0, %d]", u.ID, u.RetryCount, MaxRetryCount)
		}
	}
	return nil
}

// Front returns the next update to drain, in strict enqueue order.
func (q *Queue) Front() (QueuedUpdate, bool) {
	if len(q.Updates) == 0 {
		return QueuedUpdate{}, false
	}
	return q.Updates[0], true
}

// Remove deletes the update with the given id, preserving order.
func (q *Queue) Remove(id string) bool {
	for i, u := range q.Updates {
		if u.ID == id {
			q.Updates = append(q.Updates[:i], q.Updates[i+1:]...)
			return true
		}
	}
	return false
}
