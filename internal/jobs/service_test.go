package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodgen/backend/internal/execution"
	"github.com/prodgen/backend/internal/ledger"
	"github.com/prodgen/backend/internal/models"
	"github.com/prodgen/backend/internal/validation"
)

// ---------------------------------------------------------------------------
// In-memory Store and Ledger.
// ---------------------------------------------------------------------------

type memStore struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*models.GenerationJob
	insertErr error
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[uuid.UUID]*models.GenerationJob)}
}

func (m *memStore) Insert(ctx context.Context, job *models.GenerationJob, enqueue func(ctx context.Context, tx pgx.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	if err := enqueue(ctx, nil); err != nil {
		return err
	}
	cp := *job
	cp.CreatedAt = time.Now()
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) ListByTeam(_ context.Context, teamID uuid.UUID, limit int) ([]*models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.GenerationJob
	for _, j := range m.jobs {
		if j.TeamID == teamID && len(out) < limit {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) Transition(_ context.Context, id uuid.UUID, from []models.JobStatus, to models.JobStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if j.Status == f {
			j.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) Complete(_ context.Context, job *models.GenerationJob, artifacts []models.Artifact) (models.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[job.ID]
	if j.Status != models.JobRunning && j.Status != models.JobCanceled {
		return "", ErrInvalidJobState
	}
	gid := uuid.New()
	j.GenerationID = &gid
	j.Progress.Current = len(artifacts)
	if j.Status == models.JobRunning {
		j.Status = models.JobSuccess
	}
	return j.Status, nil
}

func (m *memStore) Fail(_ context.Context, id uuid.UUID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if j.Status != models.JobRunning {
		return false, nil
	}
	j.Status = models.JobFailed
	j.Error = &reason
	return true, nil
}

func (m *memStore) UpdateProgress(_ context.Context, id uuid.UUID, p models.JobProgress) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if j.Status != models.JobRunning {
		return false, nil
	}
	j.Progress = p
	return true, nil
}

func (m *memStore) MarkRefunded(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if j.RefundedAt != nil || (j.Status != models.JobFailed && j.Status != models.JobCanceled) {
		return false, nil
	}
	now := time.Now()
	j.RefundedAt = &now
	return true, nil
}

func (m *memStore) ClearRefunded(_ context.Context, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if j, ok := m.jobs[id]; ok {
			j.RefundedAt = nil
		}
	}
	return nil
}

func (m *memStore) setStatus(id uuid.UUID, s models.JobStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].Status = s
}

// ---

// fakeLedger keeps one period with a fixed allotment and unlimited overage.
type fakeLedger struct {
	mu             sync.Mutex
	periodID       uuid.UUID
	included       int
	used           int
	overageEnabled bool
	records        []*models.UsageRecord
	deductErr      error
	refundErr      error
}

func newFakeLedger(included int) *fakeLedger {
	return &fakeLedger{periodID: uuid.New(), included: included}
}

func (f *fakeLedger) CheckCredits(_ context.Context, _ uuid.UUID, _ models.CreditType, qty int) (*ledger.CheckResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	remaining := max(0, f.included-f.used)
	res := &ledger.CheckResult{Allowed: true, Remaining: remaining, CreditsID: f.periodID}
	if qty > remaining {
		res.IsOverage = true
		res.OverageCount = qty - remaining
		if !f.overageEnabled {
			res.Allowed = false
			res.Reason = ledger.ReasonOverageDisabled
		}
	}
	return res, nil
}

func (f *fakeLedger) DeductCredits(_ context.Context, teamID uuid.UUID, _ *uuid.UUID, t models.CreditType, qty int, opts ledger.ChargeOptions) (*models.UsageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deductErr != nil {
		return nil, f.deductErr
	}
	f.used += qty
	rec := &models.UsageRecord{ID: uuid.New(), TeamID: teamID, PeriodID: f.periodID, UsageType: t, CreditsUsed: qty,
		IsOverage: f.used > f.included, ReferenceType: opts.ReferenceType, ReferenceID: opts.ReferenceID}
	f.records = append(f.records, rec)
	return rec, nil
}

func (f *fakeLedger) RefundCredits(_ context.Context, teamID uuid.UUID, _ *uuid.UUID, t models.CreditType, qty int, opts ledger.RefundOptions) (*models.UsageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	if qty <= 0 {
		return nil, nil
	}
	f.used = max(0, f.used-qty)
	rec := &models.UsageRecord{ID: uuid.New(), TeamID: teamID, PeriodID: opts.CreditsID, UsageType: t, CreditsUsed: -qty,
		ReferenceType: opts.ReferenceType, ReferenceID: opts.ReferenceID}
	f.records = append(f.records, rec)
	return rec, nil
}

func (f *fakeLedger) balanceUsed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used
}

func (f *fakeLedger) byRef(refType string) []*models.UsageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.UsageRecord
	for _, r := range f.records {
		if r.ReferenceType == refType {
			out = append(out, r)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type harness struct {
	svc      *service
	store    *memStore
	ledger   *fakeLedger
	enqueued []uuid.UUID
}

func newHarness(included int) *harness {
	h := &harness{store: newMemStore(), ledger: newFakeLedger(included)}
	enqueue := func(_ context.Context, _ pgx.Tx, args execution.GenerateArgs) error {
		h.enqueued = append(h.enqueued, args.JobID)
		return nil
	}
	h.svc = NewService(h.store, h.ledger, validation.MustNew(), enqueue, zerolog.Nop())
	return h
}

func (h *harness) start(t *testing.T, id uuid.UUID) {
	t.Helper()
	ok, err := h.svc.Start(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
}

func imageJob(team uuid.UUID, n int) CreateParams {
	return CreateParams{
		TeamID:             team,
		ProductID:          "prod_1",
		Type:               models.JobTypeGeneration,
		Params:             json.RawMessage(`{"prompt":"studio shot of a mug"}`),
		NumberOfVariations: n,
	}
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestCreate_ChargesAndEnqueues(t *testing.T) {
	h := newHarness(100)
	team := uuid.New()

	job, err := h.svc.Create(context.Background(), imageJob(team, 4))
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.Status)
	assert.Equal(t, h.ledger.periodID, job.CreditsID)
	assert.Equal(t, 4, job.Progress.Total)
	assert.Equal(t, 4, h.ledger.balanceUsed())
	assert.Equal(t, []uuid.UUID{job.ID}, h.enqueued)

	charges := h.ledger.byRef(models.RefGenerationJob)
	require.Len(t, charges, 1)
	assert.Equal(t, job.ID, charges[0].ReferenceID)
}

func TestCreate_ValidationRejectsBeforeCharge(t *testing.T) {
	h := newHarness(100)
	team := uuid.New()

	bad := imageJob(team, 2)
	bad.Params = json.RawMessage(`{"prompt":"x"}`)
	_, err := h.svc.Create(context.Background(), bad)
	assert.ErrorIs(t, err, validation.ErrValidation)

	tooMany := imageJob(team, MaxVariations+1)
	_, err = h.svc.Create(context.Background(), tooMany)
	assert.ErrorIs(t, err, ErrInvalidJob)

	assert.Equal(t, 0, h.ledger.balanceUsed())
	assert.Empty(t, h.enqueued)
}

func TestCreate_OverageNeedsConfirmation(t *testing.T) {
	h := newHarness(2)
	h.ledger.overageEnabled = true
	team := uuid.New()

	_, err := h.svc.Create(context.Background(), imageJob(team, 4))
	var checkErr *ledger.CheckError
	require.ErrorAs(t, err, &checkErr)
	assert.ErrorIs(t, err, ledger.ErrOverageConfirmationRequired)
	assert.Equal(t, 2, checkErr.Result.OverageCount)
	assert.Equal(t, 0, h.ledger.balanceUsed())

	p := imageJob(team, 4)
	p.ConfirmOverage = true
	job, err := h.svc.Create(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, job.IsOverage)
}

func TestCreate_InsufficientCredits(t *testing.T) {
	h := newHarness(2)
	_, err := h.svc.Create(context.Background(), imageJob(uuid.New(), 4))
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)
}

func TestCreate_LedgerFailureIsFatal(t *testing.T) {
	h := newHarness(100)
	h.ledger.deductErr = errors.New("db down")

	_, err := h.svc.Create(context.Background(), imageJob(uuid.New(), 1))
	require.Error(t, err)
	assert.Empty(t, h.store.jobs)
	assert.Empty(t, h.enqueued)
}

func TestCreate_InsertFailureCompensates(t *testing.T) {
	h := newHarness(100)
	h.store.insertErr = errors.New("insert failed")

	_, err := h.svc.Create(context.Background(), imageJob(uuid.New(), 3))
	require.Error(t, err)
	assert.Equal(t, 0, h.ledger.balanceUsed())
	assert.Len(t, h.ledger.byRef(models.RefCompensation), 1)
}

func TestCreate_DescriptionUsesTextCredits(t *testing.T) {
	h := newHarness(100)
	job, err := h.svc.Create(context.Background(), CreateParams{
		TeamID:             uuid.New(),
		ProductID:          "prod_9",
		Type:               models.JobTypeDescription,
		Params:             json.RawMessage(`{"product_title":"Linen Shirt","tone":"luxury"}`),
		NumberOfVariations: 2,
	})
	require.NoError(t, err)
	charges := h.ledger.byRef(models.RefGenerationJob)
	require.Len(t, charges, 1)
	assert.Equal(t, models.CreditText, charges[0].UsageType)
	assert.Equal(t, models.DescriptionParams{ProductTitle: "Linen Shirt", Tone: "luxury"}, job.Params)
}

// ---------------------------------------------------------------------------
// State machine
// ---------------------------------------------------------------------------

func TestLifecycle_Success(t *testing.T) {
	h := newHarness(100)
	ctx := context.Background()
	job, err := h.svc.Create(ctx, imageJob(uuid.New(), 2))
	require.NoError(t, err)

	h.start(t, job.ID)
	ok, err := h.svc.Start(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok, "start is only legal from queued")

	require.NoError(t, h.svc.ReportProgress(ctx, job.ID, "img_1"))
	got, _ := h.store.Get(ctx, job.ID)
	assert.Equal(t, 1, got.Progress.Current)
	assert.Equal(t, []string{"img_1"}, got.Progress.CompletedImageIDs)

	status, err := h.svc.Complete(ctx, got, []models.Artifact{{ImageID: "img_1"}, {ImageID: "img_2"}})
	require.NoError(t, err)
	assert.Equal(t, models.JobSuccess, status)

	assert.ErrorIs(t, h.svc.Fail(ctx, job.ID, "late"), ErrInvalidJobState, "terminal status must not be overwritten")
	assert.ErrorIs(t, h.svc.ReportProgress(ctx, job.ID, "img_3"), ErrInvalidJobState)
}

func TestComplete_AfterCancelKeepsCanceled(t *testing.T) {
	h := newHarness(100)
	ctx := context.Background()
	team := uuid.New()
	job, err := h.svc.Create(ctx, imageJob(team, 2))
	require.NoError(t, err)
	h.start(t, job.ID)

	_, err = h.svc.Cancel(ctx, team, job.ID)
	require.NoError(t, err)
	usedAfterCancel := h.ledger.balanceUsed()

	status, err := h.svc.Complete(ctx, job, []models.Artifact{{ImageID: "a"}})
	require.NoError(t, err)
	assert.Equal(t, models.JobCanceled, status)
	assert.Equal(t, usedAfterCancel, h.ledger.balanceUsed(), "late result must not move credits")
}

func TestCancel_QueuedRefundsFullCharge(t *testing.T) {
	h := newHarness(100)
	ctx := context.Background()
	team := uuid.New()
	job, err := h.svc.Create(ctx, imageJob(team, 4))
	require.NoError(t, err)

	got, err := h.svc.Cancel(ctx, team, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCanceled, got.Status)
	assert.NotNil(t, got.RefundedAt)
	assert.Equal(t, 0, h.ledger.balanceUsed())

	refunds := h.ledger.byRef(models.RefJobCancel)
	require.Len(t, refunds, 1)
	assert.Equal(t, -4, refunds[0].CreditsUsed)

	_, err = h.svc.Cancel(ctx, team, job.ID)
	assert.ErrorIs(t, err, ErrInvalidJobState)
	_, err = h.svc.RefundFailed(ctx, team, job.ID)
	assert.ErrorIs(t, err, ErrAlreadyRefunded)
}

func TestCancel_RefundFailurePropagatesAndCanBeRetried(t *testing.T) {
	h := newHarness(100)
	ctx := context.Background()
	team := uuid.New()
	job, err := h.svc.Create(ctx, imageJob(team, 4))
	require.NoError(t, err)

	ledgerDown := errors.New("ledger unavailable")
	h.ledger.refundErr = ledgerDown
	_, err = h.svc.Cancel(ctx, team, job.ID)
	assert.ErrorIs(t, err, ledgerDown)
	assert.Equal(t, 4, h.ledger.balanceUsed())

	got, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCanceled, got.Status)
	assert.Nil(t, got.RefundedAt, "marker released after a failed refund")

	h.ledger.refundErr = nil
	res, err := h.svc.RefundFailed(ctx, team, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Refunded)
	assert.Equal(t, 0, h.ledger.balanceUsed())
}

func TestCancel_RunningKeepsCharge(t *testing.T) {
	h := newHarness(100)
	ctx := context.Background()
	team := uuid.New()
	job, err := h.svc.Create(ctx, imageJob(team, 4))
	require.NoError(t, err)
	h.start(t, job.ID)

	got, err := h.svc.Cancel(ctx, team, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCanceled, got.Status)
	assert.Nil(t, got.RefundedAt)
	assert.Equal(t, 4, h.ledger.balanceUsed())
}

func TestCancel_OtherTeam(t *testing.T) {
	h := newHarness(100)
	job, err := h.svc.Create(context.Background(), imageJob(uuid.New(), 1))
	require.NoError(t, err)
	_, err = h.svc.Cancel(context.Background(), uuid.New(), job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

// ---------------------------------------------------------------------------
// Retry
// ---------------------------------------------------------------------------

func TestRetry_NoRetryOfRetry(t *testing.T) {
	h := newHarness(100)
	ctx := context.Background()
	team := uuid.New()
	a, err := h.svc.Create(ctx, imageJob(team, 3))
	require.NoError(t, err)
	h.start(t, a.ID)
	require.NoError(t, h.svc.Fail(ctx, a.ID, "model timeout"))

	b, err := h.svc.Retry(ctx, team, a.ID, nil, false)
	require.NoError(t, err)
	require.NotNil(t, b.RetryOfJobID)
	assert.Equal(t, a.ID, *b.RetryOfJobID)
	assert.Equal(t, 1, b.RetryAttempt)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, models.JobQueued, b.Status)
	assert.Equal(t, 6, h.ledger.balanceUsed(), "retry takes a fresh charge and keeps the original")

	// Make b retry-eligible so only the retry-of-retry rule can reject it.
	h.store.setStatus(b.ID, models.JobFailed)
	_, err = h.svc.Retry(ctx, team, b.ID, nil, false)
	assert.ErrorIs(t, err, ErrRetryOfRetryForbidden)
	assert.Equal(t, 6, h.ledger.balanceUsed())
}

func TestRetry_RequiresFailedOrCanceled(t *testing.T) {
	h := newHarness(100)
	ctx := context.Background()
	team := uuid.New()
	a, err := h.svc.Create(ctx, imageJob(team, 1))
	require.NoError(t, err)

	_, err = h.svc.Retry(ctx, team, a.ID, nil, false)
	assert.ErrorIs(t, err, ErrInvalidJobState)
}

// ---------------------------------------------------------------------------
// RefundFailed
// ---------------------------------------------------------------------------

func TestRefundFailed_RefundsUnproducedOnce(t *testing.T) {
	h := newHarness(100)
	ctx := context.Background()
	team := uuid.New()
	job, err := h.svc.Create(ctx, imageJob(team, 4))
	require.NoError(t, err)
	h.start(t, job.ID)
	require.NoError(t, h.svc.ReportProgress(ctx, job.ID, "img_1"))
	require.NoError(t, h.svc.Fail(ctx, job.ID, "upstream 500"))

	res, err := h.svc.RefundFailed(ctx, team, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Refunded)
	assert.Equal(t, 1, h.ledger.balanceUsed())

	_, err = h.svc.RefundFailed(ctx, team, job.ID)
	assert.ErrorIs(t, err, ErrAlreadyRefunded)
	assert.Len(t, h.ledger.byRef(models.RefJobRefund), 1)
}

func TestRefundFailed_LedgerErrorLeavesJobRefundable(t *testing.T) {
	h := newHarness(100)
	ctx := context.Background()
	team := uuid.New()
	job, err := h.svc.Create(ctx, imageJob(team, 3))
	require.NoError(t, err)
	h.start(t, job.ID)
	require.NoError(t, h.svc.Fail(ctx, job.ID, "upstream 500"))

	h.ledger.refundErr = errors.New("ledger unavailable")
	_, err = h.svc.RefundFailed(ctx, team, job.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAlreadyRefunded)

	h.ledger.refundErr = nil
	res, err := h.svc.RefundFailed(ctx, team, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Refunded)
	assert.Equal(t, 0, h.ledger.balanceUsed())
}

func TestRefundFailed_RejectsSuccess(t *testing.T) {
	h := newHarness(100)
	ctx := context.Background()
	team := uuid.New()
	job, err := h.svc.Create(ctx, imageJob(team, 1))
	require.NoError(t, err)
	h.start(t, job.ID)
	_, err = h.svc.Complete(ctx, job, []models.Artifact{{ImageID: "x"}})
	require.NoError(t, err)

	_, err = h.svc.RefundFailed(ctx, team, job.ID)
	assert.ErrorIs(t, err, ErrInvalidJobState)
}
