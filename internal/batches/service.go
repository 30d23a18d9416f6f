package batches

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prodgen/backend/internal/jobs"
	"github.com/prodgen/backend/internal/ledger"
	"github.com/prodgen/backend/internal/models"
)

// MaxItems bounds the number of jobs a single batch may create.
const MaxItems = 200

var (
	ErrInvalidBatchState = errors.New("invalid_batch_state_for_action")
	ErrBatchNotFound     = errors.New("batch not found")
	ErrInvalidBatch      = errors.New("invalid batch")
)

type Store interface {
	Insert(ctx context.Context, b *models.Batch) error
	Get(ctx context.Context, id uuid.UUID) (*models.Batch, error)
	ListByTeam(ctx context.Context, teamID uuid.UUID, limit int) ([]*models.Batch, error)
	// SetStatus moves a batch to `to` only if its stored status is one of from.
	SetStatus(ctx context.Context, id uuid.UUID, from []models.BatchStatus, to models.BatchStatus) (bool, error)
}

// JobStore is the batch-scoped view of generation jobs.
type JobStore interface {
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*models.GenerationJob, error)
	GeneratedImageCounts(ctx context.Context, batchID uuid.UUID) (map[uuid.UUID]int, error)
	CancelQueuedInBatch(ctx context.Context, batchID uuid.UUID) (int, error)
	MarkRefundedByBatch(ctx context.Context, batchID uuid.UUID, jobIDs []uuid.UUID) error
	ClearRefunded(ctx context.Context, ids []uuid.UUID) error
}

type JobCreator interface {
	Create(ctx context.Context, p jobs.CreateParams) (*models.GenerationJob, error)
}

type Ledger interface {
	CheckCredits(ctx context.Context, teamID uuid.UUID, t models.CreditType, quantity int) (*ledger.CheckResult, error)
	RefundCredits(ctx context.Context, teamID uuid.UUID, userID *uuid.UUID, t models.CreditType, quantity int, opts ledger.RefundOptions) (*models.UsageRecord, error)
}

type ParamsValidator interface {
	Params(t models.JobType, raw json.RawMessage) (models.JobParams, error)
}

type Item struct {
	ProductID          string          `json:"product_id"`
	VariantID          string          `json:"variant_id"`
	Type               models.JobType  `json:"type"`
	Params             json.RawMessage `json:"params"`
	NumberOfVariations int             `json:"number_of_variations"`
}

type CreateParams struct {
	TeamID         uuid.UUID
	UserID         *uuid.UUID
	Name           string
	Settings       json.RawMessage
	FolderID       *uuid.UUID
	Items          []Item
	ConfirmOverage bool
}

// View is a batch with its aggregated job counts and derived status.
type View struct {
	*models.Batch
	Counts        models.StatusCounts `json:"counts"`
	DisplayStatus models.BatchStatus  `json:"display_status"`
	DoneJobs      int                 `json:"done_jobs"`
	TotalJobs     int                 `json:"total_jobs"`
}

// CancelResult reports the reconciliation done by Cancel.
type CancelResult struct {
	BatchID        uuid.UUID             `json:"batch_id"`
	ExpectedTotal  int                   `json:"expected_total"`
	GeneratedTotal int                   `json:"generated_total"`
	Refunded       int                   `json:"refunded"`
	JobsCanceled   int                   `json:"jobs_canceled"`
	Records        []*models.UsageRecord `json:"records,omitempty"`
}

type Service interface {
	Create(ctx context.Context, p CreateParams) (*View, error)
	Get(ctx context.Context, teamID, id uuid.UUID) (*View, error)
	ListByTeam(ctx context.Context, teamID uuid.UUID, limit int) ([]*models.Batch, error)
	AggregateStatus(ctx context.Context, teamID, id uuid.UUID) (models.StatusCounts, error)
	Pause(ctx context.Context, teamID, id uuid.UUID) (*View, error)
	Resume(ctx context.Context, teamID, id uuid.UUID) (*View, error)
	Cancel(ctx context.Context, teamID, id uuid.UUID) (*CancelResult, error)
}

type service struct {
	store    Store
	jobStore JobStore
	creator  JobCreator
	ledger   Ledger
	validate ParamsValidator
	log      zerolog.Logger
}

func NewService(store Store, jobStore JobStore, creator JobCreator, l Ledger, v ParamsValidator, log zerolog.Logger) Service {
	return &service{
		store:    store,
		jobStore: jobStore,
		creator:  creator,
		ledger:   l,
		validate: v,
		log:      log.With().Str("component", "batches").Logger(),
	}
}

// Create validates every item, checks credits once for the whole batch, then
// creates one job per item. If a job cannot be created the batch is canceled,
// which refunds the jobs already charged.
func (s *service) Create(ctx context.Context, p CreateParams) (*View, error) {
	demand, err := s.validateCreate(p)
	if err != nil {
		return nil, err
	}
	for _, t := range []models.CreditType{models.CreditImage, models.CreditText} {
		qty := demand[t]
		if qty == 0 {
			continue
		}
		res, err := s.ledger.CheckCredits(ctx, p.TeamID, t, qty)
		if err != nil {
			return nil, fmt.Errorf("check credits: %w", err)
		}
		if !res.Allowed {
			return nil, &ledger.CheckError{Result: *res, Err: ledger.ErrInsufficientCredits}
		}
		if res.IsOverage && !p.ConfirmOverage {
			return nil, &ledger.CheckError{Result: *res, Err: ledger.ErrOverageConfirmationRequired}
		}
	}

	b := &models.Batch{
		ID:           uuid.New(),
		TeamID:       p.TeamID,
		Name:         p.Name,
		Status:       models.BatchQueued,
		Settings:     p.Settings,
		VariantCount: len(p.Items),
		ImageCount:   demand[models.CreditImage],
		FolderID:     p.FolderID,
	}
	if err := s.store.Insert(ctx, b); err != nil {
		return nil, fmt.Errorf("insert batch: %w", err)
	}

	batchID := b.ID
	for i, item := range p.Items {
		_, err := s.creator.Create(ctx, jobs.CreateParams{
			TeamID:             p.TeamID,
			UserID:             p.UserID,
			ProductID:          item.ProductID,
			VariantID:          item.VariantID,
			BatchID:            &batchID,
			Type:               item.Type,
			Params:             item.Params,
			NumberOfVariations: item.NumberOfVariations,
			ConfirmOverage:     p.ConfirmOverage,
		})
		if err != nil {
			s.log.Error().Err(err).Str("batch_id", b.ID.String()).Int("item", i).Msg("batch job creation failed, canceling batch")
			if _, cerr := s.cancel(ctx, b); cerr != nil {
				s.log.Error().Err(cerr).Str("batch_id", b.ID.String()).Msg("cancel after failed creation")
			}
			return nil, fmt.Errorf("create job %d of batch: %w", i, err)
		}
	}
	s.log.Info().Str("batch_id", b.ID.String()).Int("jobs", len(p.Items)).Msg("batch created")
	return s.view(ctx, b)
}

// validateCreate returns the credit demand per type.
func (s *service) validateCreate(p CreateParams) (map[models.CreditType]int, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidBatch)
	}
	if len(p.Items) == 0 || len(p.Items) > MaxItems {
		return nil, fmt.Errorf("%w: a batch needs between 1 and %d items", ErrInvalidBatch, MaxItems)
	}
	demand := make(map[models.CreditType]int)
	for i, item := range p.Items {
		if item.ProductID == "" {
			return nil, fmt.Errorf("%w: item %d: product_id is required", ErrInvalidBatch, i)
		}
		if !item.Type.Valid() {
			return nil, fmt.Errorf("%w: item %d: %w %q", ErrInvalidBatch, i, models.ErrUnknownJobType, item.Type)
		}
		if item.NumberOfVariations < 1 || item.NumberOfVariations > jobs.MaxVariations {
			return nil, fmt.Errorf("%w: item %d: number_of_variations must be between 1 and %d", ErrInvalidBatch, i, jobs.MaxVariations)
		}
		if _, err := s.validate.Params(item.Type, item.Params); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		demand[item.Type.CreditType()] += item.NumberOfVariations
	}
	return demand, nil
}

func (s *service) load(ctx context.Context, teamID, id uuid.UUID) (*models.Batch, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.TeamID != teamID {
		return nil, ErrBatchNotFound
	}
	return b, nil
}

func (s *service) counts(ctx context.Context, batchID uuid.UUID) (models.StatusCounts, []*models.GenerationJob, error) {
	var c models.StatusCounts
	list, err := s.jobStore.ListByBatch(ctx, batchID)
	if err != nil {
		return c, nil, fmt.Errorf("list batch jobs: %w", err)
	}
	for _, j := range list {
		c.Add(j.Status)
	}
	return c, list, nil
}

func (s *service) view(ctx context.Context, b *models.Batch) (*View, error) {
	c, _, err := s.counts(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	return &View{Batch: b, Counts: c, DisplayStatus: b.DerivedStatus(c), DoneJobs: c.Done(), TotalJobs: c.Total()}, nil
}

func (s *service) Get(ctx context.Context, teamID, id uuid.UUID) (*View, error) {
	b, err := s.load(ctx, teamID, id)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, b)
}

func (s *service) ListByTeam(ctx context.Context, teamID uuid.UUID, limit int) ([]*models.Batch, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByTeam(ctx, teamID, limit)
}

func (s *service) AggregateStatus(ctx context.Context, teamID, id uuid.UUID) (models.StatusCounts, error) {
	if _, err := s.load(ctx, teamID, id); err != nil {
		return models.StatusCounts{}, err
	}
	c, _, err := s.counts(ctx, id)
	return c, err
}

// Pause suppresses dispatch of the batch's queued jobs. Running jobs continue.
func (s *service) Pause(ctx context.Context, teamID, id uuid.UUID) (*View, error) {
	b, err := s.load(ctx, teamID, id)
	if err != nil {
		return nil, err
	}
	v, err := s.view(ctx, b)
	if err != nil {
		return nil, err
	}
	if v.DisplayStatus != models.BatchQueued && v.DisplayStatus != models.BatchRunning {
		return nil, fmt.Errorf("%w: cannot pause a %s batch", ErrInvalidBatchState, v.DisplayStatus)
	}
	if err := s.setStatus(ctx, b, models.BatchPaused); err != nil {
		return nil, err
	}
	return s.view(ctx, b)
}

// Resume re-enables dispatch of a paused batch.
func (s *service) Resume(ctx context.Context, teamID, id uuid.UUID) (*View, error) {
	b, err := s.load(ctx, teamID, id)
	if err != nil {
		return nil, err
	}
	if b.Status != models.BatchPaused {
		return nil, fmt.Errorf("%w: cannot resume a %s batch", ErrInvalidBatchState, b.Status)
	}
	if err := s.setStatus(ctx, b, models.BatchQueued); err != nil {
		return nil, err
	}
	return s.view(ctx, b)
}

func (s *service) setStatus(ctx context.Context, b *models.Batch, to models.BatchStatus) error {
	ok, err := s.store.SetStatus(ctx, b.ID, []models.BatchStatus{b.Status}, to)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: batch %s changed concurrently", ErrInvalidBatchState, b.ID)
	}
	b.Status = to
	return nil
}

// Cancel stops a batch and refunds the outputs it did not produce.
func (s *service) Cancel(ctx context.Context, teamID, id uuid.UUID) (*CancelResult, error) {
	b, err := s.load(ctx, teamID, id)
	if err != nil {
		return nil, err
	}
	return s.cancel(ctx, b)
}

// refundGroup accumulates the reconciliation for one credit type. The first
// charged period seen is the refund target.
type refundGroup struct {
	creditsID uuid.UUID
	isOverage bool
	expected  int
	generated int
	jobIDs    []uuid.UUID
}

func (s *service) cancel(ctx context.Context, b *models.Batch) (*CancelResult, error) {
	if b.Status == models.BatchCanceled {
		return nil, fmt.Errorf("%w: batch %s is already canceled", ErrInvalidBatchState, b.ID)
	}

	// Read job state before any mutation; canceling changes the statuses the
	// generated total depends on.
	list, err := s.jobStore.ListByBatch(ctx, b.ID)
	if err != nil {
		return nil, fmt.Errorf("list batch jobs: %w", err)
	}
	imageCounts, err := s.jobStore.GeneratedImageCounts(ctx, b.ID)
	if err != nil {
		return nil, fmt.Errorf("count generated images: %w", err)
	}

	res := &CancelResult{BatchID: b.ID}
	groups := make(map[models.CreditType]*refundGroup)
	var order []models.CreditType
	var included []uuid.UUID
	for _, j := range list {
		if j.RefundedAt != nil {
			continue
		}
		generated := j.Progress.Produced()
		if j.GenerationID != nil {
			generated = imageCounts[j.ID]
		}
		t := j.Type.CreditType()
		g, ok := groups[t]
		if !ok {
			g = &refundGroup{}
			groups[t] = g
			order = append(order, t)
		}
		if g.creditsID == uuid.Nil && j.CreditsID != uuid.Nil {
			g.creditsID = j.CreditsID
		} else if j.CreditsID != uuid.Nil && j.CreditsID != g.creditsID {
			s.log.Warn().Str("batch_id", b.ID.String()).Str("job_id", j.ID.String()).
				Str("credits_id", j.CreditsID.String()).Msg("batch spans multiple credit periods, refunding first")
		}
		g.isOverage = g.isOverage || j.IsOverage
		g.expected += j.NumberOfVariations
		g.generated += generated
		g.jobIDs = append(g.jobIDs, j.ID)
		included = append(included, j.ID)
	}

	ok, err := s.store.SetStatus(ctx, b.ID, []models.BatchStatus{
		models.BatchQueued, models.BatchRunning, models.BatchPaused, models.BatchSuccess, models.BatchFailed,
	}, models.BatchCanceled)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: batch %s is already canceled", ErrInvalidBatchState, b.ID)
	}
	b.Status = models.BatchCanceled

	if res.JobsCanceled, err = s.jobStore.CancelQueuedInBatch(ctx, b.ID); err != nil {
		return nil, fmt.Errorf("cancel queued jobs: %w", err)
	}
	if len(included) > 0 {
		if err := s.jobStore.MarkRefundedByBatch(ctx, b.ID, included); err != nil {
			return nil, fmt.Errorf("mark batch jobs refunded: %w", err)
		}
	}

	logger := s.log.With().Str("batch_id", b.ID.String()).Logger()
	for i, t := range order {
		g := groups[t]
		notGenerated := max(0, g.expected-g.generated)
		res.ExpectedTotal += g.expected
		res.GeneratedTotal += g.generated
		if notGenerated == 0 || g.creditsID == uuid.Nil {
			continue
		}
		rec, err := s.ledger.RefundCredits(ctx, b.TeamID, nil, t, notGenerated, ledger.RefundOptions{
			CreditsID:     g.creditsID,
			IsOverage:     g.isOverage,
			ReferenceType: models.RefBatchRefund,
			ReferenceID:   b.ID,
		})
		if err != nil {
			// Jobs of this and later credit types were not refunded; release
			// their markers so a job-level refund can still cover them.
			var pending []uuid.UUID
			for _, rest := range order[i:] {
				pending = append(pending, groups[rest].jobIDs...)
			}
			if cerr := s.jobStore.ClearRefunded(context.WithoutCancel(ctx), pending); cerr != nil {
				logger.Error().Err(cerr).Msg("refund markers not released")
			}
			return nil, fmt.Errorf("refund batch %s: %w", b.ID, err)
		}
		res.Refunded += notGenerated
		res.Records = append(res.Records, rec)
	}
	logger.Info().
		Int("expected", res.ExpectedTotal).
		Int("generated", res.GeneratedTotal).
		Int("refunded", res.Refunded).
		Int("jobs_canceled", res.JobsCanceled).
		Msg("batch canceled")
	return res, nil
}
