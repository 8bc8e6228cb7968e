package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"fieldsync/internal/events"
	"fieldsync/internal/models"
	"fieldsync/internal/remote"
	"fieldsync/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type remoteCall struct {
	componentID   string
	milestoneName string
	value         int64
	userID        string
}

// fakeRemote replays a scripted error sequence; nil means success. Once the
// script is exhausted every call succeeds.
type fakeRemote struct {
	mu      sync.Mutex
	script  map[string][]error // keyed by component id
	calls   []remoteCall
	gate    chan struct{} // when set, every call blocks until released
	release chan struct{}
}

func (f *fakeRemote) ApplyMilestoneUpdate(ctx context.Context, componentID, milestoneName string, value int64, userID string) (*models.MilestoneReceipt, error) {
	if f.gate != nil {
		f.gate <- struct{}{}
		<-f.release
	}

	f.mu.Lock()
	f.calls = append(f.calls, remoteCall{componentID, milestoneName, value, userID})
	var err error
	if outcomes := f.script[componentID]; len(outcomes) > 0 {
		err = outcomes[0]
		f.script[componentID] = outcomes[1:]
	}
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &models.MilestoneReceipt{Component: componentID, AuditEventID: "evt"}, nil
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeSleeper records requested delays instead of waiting.
type fakeSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (f *fakeSleeper) Sleep(_ context.Context, d time.Duration) error {
	f.mu.Lock()
	f.delays = append(f.delays, d)
	f.mu.Unlock()
	return nil
}

func transientErr() error {
	return &remote.Error{Class: remote.ClassTransient, StatusCode: 503, Message: "service unavailable"}
}

func newTestEngine(t *testing.T, remoteSvc *fakeRemote) (*Engine, *repository.MemoryQueueStore, *fakeSleeper, *events.EventBus) {
	t.Helper()
	store := repository.NewMemoryQueueStore()
	bus := events.NewEventBus()
	sleeper := &fakeSleeper{}
	logger := zerolog.Nop()

	eng := New(store, remoteSvc, bus, DefaultRetryPolicy(), &logger)
	eng.sleeper = sleeper
	return eng, store, sleeper, bus
}

func enqueueN(t *testing.T, eng *Engine, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		u, err := eng.Enqueue(context.Background(), componentID(i), "Receive", models.DiscreteValue(true), "worker-7")
		require.NoError(t, err)
		ids = append(ids, u.ID)
	}
	return ids
}

func componentID(i int) string {
	return string(rune('a' + i))
}

func TestDrainAllSuccess(t *testing.T) {
	remoteSvc := &fakeRemote{script: map[string][]error{}}
	eng, store, _, _ := newTestEngine(t, remoteSvc)
	ctx := context.Background()

	enqueueN(t, eng, 5)
	require.NoError(t, eng.Drain(ctx))

	q, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, q.Updates)
	assert.Empty(t, q.FailedUpdates)
	assert.Equal(t, models.SyncIdle, q.SyncStatus)

	require.Equal(t, 5, remoteSvc.callCount())
	for i, call := range remoteSvc.calls {
		assert.Equal(t, componentID(i), call.componentID, "calls must follow enqueue order")
		assert.Equal(t, int64(1), call.value)
	}
}

func TestDrainValueMarshaling(t *testing.T) {
	remoteSvc := &fakeRemote{script: map[string][]error{}}
	eng, _, _, _ := newTestEngine(t, remoteSvc)
	ctx := context.Background()

	_, err := eng.Enqueue(ctx, "c1", "Receive", models.DiscreteValue(true), "worker-7")
	require.NoError(t, err)
	_, err = eng.Enqueue(ctx, "c2", "Erect", models.DiscreteValue(false), "worker-7")
	require.NoError(t, err)
	partial, err := models.PartialValue(42)
	require.NoError(t, err)
	_, err = eng.Enqueue(ctx, "c3", "Weld", partial, "worker-7")
	require.NoError(t, err)

	require.NoError(t, eng.Drain(ctx))

	require.Equal(t, 3, remoteSvc.callCount())
	assert.Equal(t, int64(1), remoteSvc.calls[0].value)
	assert.Equal(t, int64(0), remoteSvc.calls[1].value)
	assert.Equal(t, int64(42), remoteSvc.calls[2].value)
}

func TestDrainTransientExhaustion(t *testing.T) {
	remoteSvc := &fakeRemote{script: map[string][]error{
		"a": {transientErr(), transientErr(), transientErr(), transientErr(), transientErr()},
	}}
	eng, store, sleeper, _ := newTestEngine(t, remoteSvc)
	ctx := context.Background()

	enqueueN(t, eng, 1)
	require.NoError(t, eng.Drain(ctx))

	// 4 attempts total: initial try plus 3 retries.
	assert.Equal(t, 4, remoteSvc.callCount())
	assert.Equal(t, []time.Duration{0, 3 * time.Second, 9 * time.Second}, sleeper.delays)

	q, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, q.Updates)
	require.Len(t, q.FailedUpdates, 1)
	assert.Contains(t, q.FailedUpdates[0].ErrorMessage, "service unavailable")
	assert.Equal(t, models.SyncError, q.SyncStatus)
	require.NoError(t, q.CheckInvariants())
}

func TestDrainConflictDiscardsSilently(t *testing.T) {
	conflict := &remote.Error{Class: remote.ClassConflict, StatusCode: 409, Message: "superseded"}
	remoteSvc := &fakeRemote{script: map[string][]error{"a": {conflict}}}
	eng, store, _, _ := newTestEngine(t, remoteSvc)
	ctx := context.Background()

	enqueueN(t, eng, 3)
	require.NoError(t, eng.Drain(ctx))

	// Conflict on the first update must not halt the rest.
	assert.Equal(t, 3, remoteSvc.callCount())

	q, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, q.Updates)
	assert.Empty(t, q.FailedUpdates, "conflicts never become failed updates")
	assert.Equal(t, models.SyncIdle, q.SyncStatus, "conflicts count as clean completion")
}

func TestDrainAuthFailureAbortsCycle(t *testing.T) {
	authErr := &remote.Error{Class: remote.ClassAuth, StatusCode: 401, Message: "session expired"}
	remoteSvc := &fakeRemote{script: map[string][]error{"b": {authErr}}}
	eng, store, _, bus := newTestEngine(t, remoteSvc)
	ctx := context.Background()

	var sessionExpired int
	bus.Subscribe(events.EventSessionExpired, func(*events.Event) error {
		sessionExpired++
		return nil
	})

	enqueueN(t, eng, 4)
	err := eng.Drain(ctx)
	require.ErrorIs(t, err, ErrSessionExpired)

	// First update succeeds, second hits 401, rest never attempted.
	assert.Equal(t, 2, remoteSvc.callCount())
	assert.Equal(t, 1, sessionExpired)

	q, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, q.Updates, "entire remaining queue is cleared")
	assert.Empty(t, q.FailedUpdates)
	assert.Equal(t, models.SyncIdle, q.SyncStatus, "auth failure is a session problem, not a sync failure")
}

func TestDrainOrderingUnderRetries(t *testing.T) {
	remoteSvc := &fakeRemote{script: map[string][]error{
		"a": {transientErr(), transientErr(), transientErr(), transientErr()},
	}}
	eng, _, _, _ := newTestEngine(t, remoteSvc)
	ctx := context.Background()

	enqueueN(t, eng, 2)
	require.NoError(t, eng.Drain(ctx))

	// u1 is attempted 4 times before u2 sees its first call.
	require.Equal(t, 5, remoteSvc.callCount())
	for i := 0; i < 4; i++ {
		assert.Equal(t, "a", remoteSvc.calls[i].componentID)
	}
	assert.Equal(t, "b", remoteSvc.calls[4].componentID)
}

func TestDrainEmptyQueueIsNoOp(t *testing.T) {
	remoteSvc := &fakeRemote{script: map[string][]error{}}
	eng, store, _, _ := newTestEngine(t, remoteSvc)
	ctx := context.Background()

	require.NoError(t, eng.Drain(ctx))
	assert.Zero(t, remoteSvc.callCount())

	q, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SyncIdle, q.SyncStatus)
}

func TestDrainReentrancyGuard(t *testing.T) {
	remoteSvc := &fakeRemote{
		script:  map[string][]error{},
		gate:    make(chan struct{}),
		release: make(chan struct{}),
	}
	eng, _, _, _ := newTestEngine(t, remoteSvc)
	ctx := context.Background()

	enqueueN(t, eng, 1)

	done := make(chan error, 1)
	go func() { done <- eng.Drain(ctx) }()

	// Wait until the first drain is inside a remote call, then trigger a
	// second drain: it must not issue any additional calls.
	<-remoteSvc.gate
	require.NoError(t, eng.Drain(ctx))
	assert.Equal(t, 0, remoteSvc.callCount(), "in-flight call not yet recorded, no extra calls issued")

	close(remoteSvc.release)
	remoteSvc.gate = nil
	require.NoError(t, <-done)
	assert.Equal(t, 1, remoteSvc.callCount())
}

func TestRetryFailedResetsRetryCount(t *testing.T) {
	remoteSvc := &fakeRemote{script: map[string][]error{
		"a": {transientErr(), transientErr(), transientErr(), transientErr()},
	}}
	eng, store, _, _ := newTestEngine(t, remoteSvc)
	ctx := context.Background()

	enqueueN(t, eng, 1)
	require.NoError(t, eng.Drain(ctx))

	q, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, q.FailedUpdates, 1)
	require.Equal(t, models.SyncError, q.SyncStatus)

	// Script exhausted: the retried update now succeeds.
	require.NoError(t, eng.RetryFailed(ctx))

	q, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, q.Updates)
	assert.Empty(t, q.FailedUpdates)
	assert.Equal(t, models.SyncIdle, q.SyncStatus)
	assert.Equal(t, 5, remoteSvc.callCount())
}

func TestRetryFailedPreservesFailureOrder(t *testing.T) {
	failAll := func() []error {
		return []error{transientErr(), transientErr(), transientErr(), transientErr()}
	}
	remoteSvc := &fakeRemote{script: map[string][]error{"a": failAll(), "b": failAll()}}
	eng, store, _, _ := newTestEngine(t, remoteSvc)
	ctx := context.Background()

	enqueueN(t, eng, 2)
	require.NoError(t, eng.Drain(ctx))

	q, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, q.FailedUpdates, 2)
	assert.Equal(t, "a", q.FailedUpdates[0].Update.ComponentID)
	assert.Equal(t, "b", q.FailedUpdates[1].Update.ComponentID)

	calls := remoteSvc.callCount()
	require.NoError(t, eng.RetryFailed(ctx))

	// Re-enqueued in original failure order, fresh retry budget each.
	assert.Equal(t, "a", remoteSvc.calls[calls].componentID)
	q, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, q.FailedUpdates)
}

func TestRetryFailedGrantsFreshRetryBudget(t *testing.T) {
	// Eight scripted failures: four for the first drain, four more proving
	// the manual retry restarted from retry_count = 0.
	script := make([]error, 8)
	for i := range script {
		script[i] = transientErr()
	}
	remoteSvc := &fakeRemote{script: map[string][]error{"a": script}}
	eng, store, _, _ := newTestEngine(t, remoteSvc)
	ctx := context.Background()

	enqueueN(t, eng, 1)
	require.NoError(t, eng.Drain(ctx))
	assert.Equal(t, 4, remoteSvc.callCount())

	require.NoError(t, eng.RetryFailed(ctx))
	assert.Equal(t, 8, remoteSvc.callCount(), "retried update gets a full four-attempt budget again")

	q, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, q.FailedUpdates, 1)
	assert.Equal(t, models.SyncError, q.SyncStatus)
}

func TestDrainCancelledDuringBackoffStaysSyncing(t *testing.T) {
	remoteSvc := &fakeRemote{script: map[string][]error{
		"a": {transientErr(), transientErr()},
	}}
	eng, store, _, _ := newTestEngine(t, remoteSvc)
	eng.sleeper = cancelSleeper{}
	ctx := context.Background()

	enqueueN(t, eng, 1)
	err := eng.Drain(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// The persisted snapshot keeps "syncing" so a restart resumes honestly.
	q, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SyncSyncing, q.SyncStatus)
	require.Len(t, q.Updates, 1)
	assert.Equal(t, 1, q.Updates[0].RetryCount)
}

type cancelSleeper struct{}

func (cancelSleeper) Sleep(context.Context, time.Duration) error {
	return context.Canceled
}

func TestRetryFailedWithoutFailuresIsNoOp(t *testing.T) {
	remoteSvc := &fakeRemote{script: map[string][]error{}}
	eng, _, _, _ := newTestEngine(t, remoteSvc)

	require.NoError(t, eng.RetryFailed(context.Background()))
	assert.Zero(t, remoteSvc.callCount())
}

func TestDrainResumesAfterRestart(t *testing.T) {
	// A snapshot persisted mid-drain keeps sync_status = syncing; a fresh
	// drain in a new process must pick it up and resolve it.
	store := repository.NewMemoryQueueStore()
	ctx := context.Background()

	q, err := store.Load(ctx)
	require.NoError(t, err)
	q.SyncStatus = models.SyncSyncing
	q.Updates = []models.QueuedUpdate{{
		ID:            "u1",
		ComponentID:   "a",
		MilestoneName: "Receive",
		Value:         models.DiscreteValue(true),
		Timestamp:     time.Now().UTC(),
		UserID:        "worker-7",
	}}
	require.NoError(t, store.Save(ctx, q))

	remoteSvc := &fakeRemote{script: map[string][]error{}}
	logger := zerolog.Nop()
	eng := New(store, remoteSvc, events.NewEventBus(), DefaultRetryPolicy(), &logger)
	eng.sleeper = &fakeSleeper{}

	require.NoError(t, eng.Drain(ctx))

	q, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, q.Updates)
	assert.Equal(t, models.SyncIdle, q.SyncStatus)
}

func TestStatusAndCounts(t *testing.T) {
	remoteSvc := &fakeRemote{script: map[string][]error{
		"a": {transientErr(), transientErr(), transientErr(), transientErr()},
	}}
	eng, _, _, _ := newTestEngine(t, remoteSvc)
	ctx := context.Background()

	status, err := eng.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SyncIdle, status)

	enqueueN(t, eng, 2)
	pending, failed, err := eng.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
	assert.Equal(t, 0, failed)

	require.NoError(t, eng.Drain(ctx))

	status, err = eng.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SyncError, status)

	pending, failed, err = eng.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, failed)

	failures, err := eng.FailedUpdates(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "a", failures[0].Update.ComponentID)
}
