package catalogsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodgen/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory store and a paged fake step.
// ---------------------------------------------------------------------------

type memStore struct {
	mu    sync.Mutex
	jobs  map[uuid.UUID]*models.SyncJob
	saves int
}

func newMemStore(jobs ...*models.SyncJob) *memStore {
	m := &memStore{jobs: make(map[uuid.UUID]*models.SyncJob)}
	for _, j := range jobs {
		cp := *j
		m.jobs[j.ID] = &cp
	}
	return m
}

func (m *memStore) Insert(_ context.Context, job *models.SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.AccountID == job.AccountID && j.Type == job.Type && (j.Status == models.SyncQueued || j.Status == models.SyncRunning) {
			return ErrDuplicateActive
		}
	}
	cp := *job
	cp.CreatedAt = time.Now()
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (*models.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrSyncJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) FindActive(_ context.Context, accountID uuid.UUID, syncType string) (*models.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.AccountID == accountID && j.Type == syncType && (j.Status == models.SyncQueued || j.Status == models.SyncRunning) {
			cp := *j
			return &cp, nil
		}
	}
	return nil, ErrSyncJobNotFound
}

func (m *memStore) ListQueued(_ context.Context, limit int) ([]*models.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SyncJob
	for _, j := range m.jobs {
		if j.Status == models.SyncQueued {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) MarkRunning(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if j.Status != models.SyncQueued {
		return false, nil
	}
	j.Status = models.SyncRunning
	return true, nil
}

func (m *memStore) SaveProgress(_ context.Context, id uuid.UUID, status models.SyncStatus, p models.SyncProgress, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	j.Status = status
	j.Progress = p
	j.Error = errMsg
	m.saves++
	return nil
}

func (m *memStore) job(id uuid.UUID) models.SyncJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

// ---

// pagedStep serves a fixed catalog of pages keyed by cursor ("" is the first page).
type pagedStep struct {
	mu      sync.Mutex
	pages   map[string]int    // cursor -> items on that page
	next    map[string]string // cursor -> next cursor, absent on the last page
	calls   []string
	failAt  string
	onCall  func()
	slowDur time.Duration
}

func newPagedStep(pageSizes ...int) *pagedStep {
	s := &pagedStep{pages: make(map[string]int), next: make(map[string]string)}
	cursor := ""
	for i, n := range pageSizes {
		s.pages[cursor] = n
		if i < len(pageSizes)-1 {
			nxt := "page-" + string(rune('a'+i+1))
			s.next[cursor] = nxt
			cursor = nxt
		}
	}
	return s
}

func (s *pagedStep) Run(ctx context.Context, job *models.SyncJob) (StepResult, error) {
	s.mu.Lock()
	cursor := ""
	if job.Progress.Cursor != nil {
		cursor = *job.Progress.Cursor
	}
	s.calls = append(s.calls, cursor)
	onCall := s.onCall
	s.mu.Unlock()
	if onCall != nil {
		onCall()
	}
	if s.slowDur > 0 {
		select {
		case <-ctx.Done():
			return StepResult{}, ctx.Err()
		case <-time.After(s.slowDur):
		}
	}
	if cursor == s.failAt && s.failAt != "" {
		return StepResult{}, errors.New("catalog api returned 502")
	}
	n := s.pages[cursor]
	nxt, ok := s.next[cursor]
	if !ok {
		return StepResult{Processed: n, IsComplete: true}, nil
	}
	return StepResult{Cursor: &nxt, Processed: n}, nil
}

type stepFunc func(ctx context.Context, job *models.SyncJob) (StepResult, error)

func (f stepFunc) Run(ctx context.Context, job *models.SyncJob) (StepResult, error) { return f(ctx, job) }

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func queuedSync(created time.Time) *models.SyncJob {
	return &models.SyncJob{ID: uuid.New(), TeamID: uuid.New(), AccountID: uuid.New(), Type: models.SyncTypeProducts,
		Status: models.SyncQueued, CreatedAt: created}
}

// fakeClock advances by step on every read.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// A 3-page catalog with a one-page-per-invocation budget takes three
// invocations, each advancing the cursor once.
func TestRunOnce_ResumesAcrossInvocations(t *testing.T) {
	job := queuedSync(time.Now())
	store := newMemStore(job)
	step := newPagedStep(10, 10, 7)
	r := NewRunner(store, step, RunnerConfig{Budget: time.Minute, SafetyMargin: 5 * time.Second, MaxPagesPerJob: 1}, zerolog.Nop())
	ctx := context.Background()

	wantProcessed := []int{10, 20, 27}
	wantStatus := []models.SyncStatus{models.SyncQueued, models.SyncQueued, models.SyncSuccess}
	for i := 0; i < 3; i++ {
		summary, err := r.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Claimed, "invocation %d", i+1)

		got := store.job(job.ID)
		assert.Equal(t, wantStatus[i], got.Status, "invocation %d", i+1)
		assert.Equal(t, wantProcessed[i], got.Progress.Processed, "invocation %d", i+1)
	}
	assert.Equal(t, []string{"", "page-b", "page-c"}, step.calls)
	assert.Nil(t, store.job(job.ID).Progress.Cursor)

	summary, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Claimed, "a finished job is not picked up again")
}

func TestRunOnce_RunsToCompletionWithinBudget(t *testing.T) {
	job := queuedSync(time.Now())
	store := newMemStore(job)
	r := NewRunner(store, newPagedStep(5, 5, 5, 5), RunnerConfig{Budget: time.Minute}, zerolog.Nop())

	summary, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)
	got := store.job(job.ID)
	assert.Equal(t, models.SyncSuccess, got.Status)
	assert.Equal(t, 20, got.Progress.Processed)
	assert.Equal(t, 4, store.saves, "progress persisted after every page")
}

func TestRunOnce_StepErrorFails(t *testing.T) {
	job := queuedSync(time.Now())
	store := newMemStore(job)
	step := newPagedStep(3, 3, 3)
	step.failAt = "page-b"
	r := NewRunner(store, step, RunnerConfig{Budget: time.Minute}, zerolog.Nop())

	summary, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	got := store.job(job.ID)
	assert.Equal(t, models.SyncFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "502")
	assert.Equal(t, 3, got.Progress.Processed, "first page kept")

	summary, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Claimed, "failed sync jobs are not retried")
}

func TestRunOnce_DeadlineCheckpointsInsteadOfFailing(t *testing.T) {
	job := queuedSync(time.Now())
	store := newMemStore(job)
	r := NewRunner(store, newPagedStep(4, 4, 4, 4), RunnerConfig{Budget: 10 * time.Second, SafetyMargin: time.Second}, zerolog.Nop())
	clock := &fakeClock{now: time.Now(), step: 4 * time.Second}
	r.now = clock.Now

	summary, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Checkpointed)
	got := store.job(job.ID)
	assert.Equal(t, models.SyncQueued, got.Status)
	assert.Nil(t, got.Error)
	assert.Less(t, got.Progress.Processed, 16)
	assert.Greater(t, got.Progress.Processed, 0)
}

func TestRunOnce_StopsClaimingNearDeadline(t *testing.T) {
	base := time.Now()
	a, b := queuedSync(base), queuedSync(base.Add(time.Second))
	store := newMemStore(a, b)
	r := NewRunner(store, newPagedStep(1), RunnerConfig{Budget: 10 * time.Second, SafetyMargin: 2 * time.Second}, zerolog.Nop())
	// Reads: deadline, claim check for a, (step), claim check for b.
	clock := &fakeClock{now: base, step: 5 * time.Second}
	r.now = clock.Now

	summary, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.StoppedEarly)
	assert.Equal(t, 1, summary.Claimed)
	assert.Equal(t, models.SyncSuccess, store.job(a.ID).Status, "oldest job goes first")
	assert.Equal(t, models.SyncQueued, store.job(b.ID).Status)
}

func TestRunOnce_ContextTimeoutIsCheckpoint(t *testing.T) {
	job := queuedSync(time.Now())
	store := newMemStore(job)
	step := newPagedStep(2, 2)
	step.slowDur = time.Second
	r := NewRunner(store, step, RunnerConfig{Budget: time.Minute}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	summary, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Checkpointed)
	assert.Equal(t, models.SyncQueued, store.job(job.ID).Status)
}

// A step timing out on its own, with budget left, is a failure.
func TestRunOnce_StepDeadlineWithinBudgetFails(t *testing.T) {
	job := queuedSync(time.Now())
	store := newMemStore(job)
	r := NewRunner(store, stepFunc(func(context.Context, *models.SyncJob) (StepResult, error) {
		return StepResult{}, fmt.Errorf("calling catalog api: %w", context.DeadlineExceeded)
	}), RunnerConfig{Budget: time.Minute}, zerolog.Nop())

	summary, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	got := store.job(job.ID)
	assert.Equal(t, models.SyncFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "deadline exceeded")
}

func TestRunOnce_ClaimLimitOldestFirst(t *testing.T) {
	base := time.Now()
	var all []*models.SyncJob
	for i := 0; i < 4; i++ {
		all = append(all, queuedSync(base.Add(time.Duration(i)*time.Second)))
	}
	store := newMemStore(all...)
	r := NewRunner(store, newPagedStep(1), RunnerConfig{Budget: time.Minute, ClaimLimit: 2}, zerolog.Nop())

	summary, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, models.SyncSuccess, store.job(all[0].ID).Status)
	assert.Equal(t, models.SyncSuccess, store.job(all[1].ID).Status)
	assert.Equal(t, models.SyncQueued, store.job(all[3].ID).Status)
}

// ---------------------------------------------------------------------------
// Service
// ---------------------------------------------------------------------------

type accountsFunc func(ctx context.Context, id uuid.UUID) (uuid.UUID, error)

func (f accountsFunc) AccountTeam(ctx context.Context, id uuid.UUID) (uuid.UUID, error) { return f(ctx, id) }

func TestStart_Dedupes(t *testing.T) {
	team := uuid.New()
	store := newMemStore()
	kicks := 0
	svc := NewService(store, accountsFunc(func(context.Context, uuid.UUID) (uuid.UUID, error) { return team, nil }),
		func(context.Context) error { kicks++; return nil }, zerolog.Nop())
	ctx := context.Background()
	account := uuid.New()

	first, created, err := svc.Start(ctx, team, account)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.SyncQueued, first.Status)

	second, created, err := svc.Start(ctx, team, account)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, kicks)

	got, err := svc.Get(ctx, team, first.ID)
	require.NoError(t, err)
	assert.Equal(t, account, got.AccountID)

	_, err = svc.Get(ctx, uuid.New(), first.ID)
	assert.ErrorIs(t, err, ErrSyncJobNotFound)
}

func TestStart_ForeignAccount(t *testing.T) {
	svc := NewService(newMemStore(), accountsFunc(func(context.Context, uuid.UUID) (uuid.UUID, error) { return uuid.New(), nil }), nil, zerolog.Nop())
	_, _, err := svc.Start(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
