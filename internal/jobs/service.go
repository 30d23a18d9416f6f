package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/prodgen/backend/internal/execution"
	"github.com/prodgen/backend/internal/ledger"
	"github.com/prodgen/backend/internal/models"
)

// MaxVariations bounds numberOfVariations on a single job.
const MaxVariations = 8

var (
	ErrRetryOfRetryForbidden = errors.New("retry_of_retry_forbidden")
	ErrInvalidJobState       = errors.New("invalid_job_state")
	ErrJobNotFound           = errors.New("generation job not found")
	ErrAlreadyRefunded       = errors.New("job already refunded")
	ErrInvalidJob            = errors.New("invalid job")
)

// Ledger is the part of the credit ledger jobs charge and refund against.
type Ledger interface {
	CheckCredits(ctx context.Context, teamID uuid.UUID, t models.CreditType, quantity int) (*ledger.CheckResult, error)
	DeductCredits(ctx context.Context, teamID uuid.UUID, userID *uuid.UUID, t models.CreditType, quantity int, opts ledger.ChargeOptions) (*models.UsageRecord, error)
	RefundCredits(ctx context.Context, teamID uuid.UUID, userID *uuid.UUID, t models.CreditType, quantity int, opts ledger.RefundOptions) (*models.UsageRecord, error)
}

// ParamsValidator validates and decodes the per-type parameter payload.
type ParamsValidator interface {
	Params(t models.JobType, raw json.RawMessage) (models.JobParams, error)
}

// EnqueueTxFunc enqueues execution of a job within the insert transaction.
// Provided by main using river.Client.InsertTx.
type EnqueueTxFunc func(ctx context.Context, tx pgx.Tx, args execution.GenerateArgs) error

// Store persists generation jobs. Every status write is conditional on the
// current status so a terminal job is never overwritten.
type Store interface {
	// Insert writes job and runs enqueue in the same transaction.
	Insert(ctx context.Context, job *models.GenerationJob, enqueue func(ctx context.Context, tx pgx.Tx) error) error
	Get(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error)
	ListByTeam(ctx context.Context, teamID uuid.UUID, limit int) ([]*models.GenerationJob, error)
	Transition(ctx context.Context, id uuid.UUID, from []models.JobStatus, to models.JobStatus) (bool, error)
	// Complete records artifacts and moves a running job to success. A job
	// canceled meanwhile keeps its status; the resulting status is returned.
	Complete(ctx context.Context, job *models.GenerationJob, artifacts []models.Artifact) (models.JobStatus, error)
	Fail(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, p models.JobProgress) (bool, error)
	MarkRefunded(ctx context.Context, id uuid.UUID) (bool, error)
	// ClearRefunded releases markers whose refund failed so it can be retried.
	ClearRefunded(ctx context.Context, ids []uuid.UUID) error
}

type CreateParams struct {
	TeamID             uuid.UUID
	UserID             *uuid.UUID
	ProductID          string
	VariantID          string
	BatchID            *uuid.UUID
	Type               models.JobType
	Params             json.RawMessage
	NumberOfVariations int
	// ConfirmOverage is the caller's explicit consent to an overage charge.
	ConfirmOverage bool
}

// RefundResult reports a job-level refund.
type RefundResult struct {
	JobID    uuid.UUID           `json:"job_id"`
	Refunded int                 `json:"refunded"`
	Record   *models.UsageRecord `json:"record,omitempty"`
}

type Service interface {
	Create(ctx context.Context, p CreateParams) (*models.GenerationJob, error)
	Get(ctx context.Context, teamID, id uuid.UUID) (*models.GenerationJob, error)
	ListByTeam(ctx context.Context, teamID uuid.UUID, limit int) ([]*models.GenerationJob, error)
	Cancel(ctx context.Context, teamID, id uuid.UUID) (*models.GenerationJob, error)
	Retry(ctx context.Context, teamID, id uuid.UUID, userID *uuid.UUID, confirmOverage bool) (*models.GenerationJob, error)
	RefundFailed(ctx context.Context, teamID, id uuid.UUID) (*RefundResult, error)
}

type service struct {
	store    Store
	ledger   Ledger
	validate ParamsValidator
	enqueue  EnqueueTxFunc
	log      zerolog.Logger
}

// NewService creates a jobs service. Returns *service so it can also be used
// as the execution worker's JobService.
func NewService(store Store, l Ledger, v ParamsValidator, enqueue EnqueueTxFunc, log zerolog.Logger) *service {
	return &service{store: store, ledger: l, validate: v, enqueue: enqueue, log: log.With().Str("component", "jobs").Logger()}
}

var (
	_ Service              = (*service)(nil)
	_ execution.JobService = (*service)(nil)
)

func (s *service) Create(ctx context.Context, p CreateParams) (*models.GenerationJob, error) {
	params, err := s.validateCreate(p)
	if err != nil {
		return nil, err
	}
	return s.charge(ctx, &models.GenerationJob{
		TeamID:             p.TeamID,
		UserID:             p.UserID,
		ProductID:          p.ProductID,
		VariantID:          p.VariantID,
		Type:               p.Type,
		BatchID:            p.BatchID,
		Params:             params,
		NumberOfVariations: p.NumberOfVariations,
	}, p.ConfirmOverage)
}

func (s *service) validateCreate(p CreateParams) (models.JobParams, error) {
	if p.TeamID == uuid.Nil {
		return nil, fmt.Errorf("%w: team is required", ErrInvalidJob)
	}
	if p.ProductID == "" {
		return nil, fmt.Errorf("%w: product_id is required", ErrInvalidJob)
	}
	if !p.Type.Valid() {
		return nil, fmt.Errorf("%w: %w %q", ErrInvalidJob, models.ErrUnknownJobType, p.Type)
	}
	if p.NumberOfVariations < 1 || p.NumberOfVariations > MaxVariations {
		return nil, fmt.Errorf("%w: number_of_variations must be between 1 and %d", ErrInvalidJob, MaxVariations)
	}
	return s.validate.Params(p.Type, p.Params)
}

// charge runs check-then-deduct for job, then inserts and enqueues it. The
// deduction is compensated if the insert fails.
func (s *service) charge(ctx context.Context, job *models.GenerationJob, confirmOverage bool) (*models.GenerationJob, error) {
	creditType := job.Type.CreditType()
	res, err := s.ledger.CheckCredits(ctx, job.TeamID, creditType, job.NumberOfVariations)
	if err != nil {
		return nil, fmt.Errorf("check credits: %w", err)
	}
	if !res.Allowed {
		return nil, &ledger.CheckError{Result: *res, Err: ledger.ErrInsufficientCredits}
	}
	if res.IsOverage && !confirmOverage {
		return nil, &ledger.CheckError{Result: *res, Err: ledger.ErrOverageConfirmationRequired}
	}

	job.ID = uuid.New()
	job.Status = models.JobQueued
	job.Progress = models.JobProgress{Total: job.NumberOfVariations}
	rec, err := s.ledger.DeductCredits(ctx, job.TeamID, job.UserID, creditType, job.NumberOfVariations, ledger.ChargeOptions{
		IsOverage:     confirmOverage,
		CreditsID:     res.CreditsID,
		ReferenceType: models.RefGenerationJob,
		ReferenceID:   job.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("deduct credits: %w", err)
	}
	job.CreditsID = rec.PeriodID
	job.IsOverage = rec.IsOverage

	err = s.store.Insert(ctx, job, func(ctx context.Context, tx pgx.Tx) error {
		return s.enqueue(ctx, tx, execution.GenerateArgs{JobID: job.ID})
	})
	if err != nil {
		s.compensate(ctx, job, rec.CreditsUsed)
		return nil, fmt.Errorf("insert job: %w", err)
	}
	s.log.Info().
		Str("job_id", job.ID.String()).
		Str("team_id", job.TeamID.String()).
		Str("type", string(job.Type)).
		Int("credits", rec.CreditsUsed).
		Bool("is_overage", rec.IsOverage).
		Msg("generation job queued")
	return job, nil
}

func (s *service) compensate(ctx context.Context, job *models.GenerationJob, qty int) {
	_, err := s.ledger.RefundCredits(ctx, job.TeamID, job.UserID, job.Type.CreditType(), qty, ledger.RefundOptions{
		CreditsID:     job.CreditsID,
		IsOverage:     job.IsOverage,
		ReferenceType: models.RefCompensation,
		ReferenceID:   job.ID,
	})
	if err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID.String()).Int("credits", qty).Msg("compensating refund failed")
	}
}

func (s *service) Get(ctx context.Context, teamID, id uuid.UUID) (*models.GenerationJob, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.TeamID != teamID {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (s *service) ListByTeam(ctx context.Context, teamID uuid.UUID, limit int) ([]*models.GenerationJob, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByTeam(ctx, teamID, limit)
}

// Cancel stops a job that has not reached a terminal state. A queued job never
// ran, so its full charge is refunded. A running job is only marked; the
// generator call is aborted cooperatively and its charge stays until an
// explicit refund.
func (s *service) Cancel(ctx context.Context, teamID, id uuid.UUID) (*models.GenerationJob, error) {
	job, err := s.Get(ctx, teamID, id)
	if err != nil {
		return nil, err
	}
	if err := s.cancel(ctx, job); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

func (s *service) cancel(ctx context.Context, job *models.GenerationJob) error {
	ok, err := s.store.Transition(ctx, job.ID, []models.JobStatus{models.JobQueued}, models.JobCanceled)
	if err != nil {
		return err
	}
	if ok {
		return s.refundUnstarted(ctx, job)
	}
	ok, err = s.store.Transition(ctx, job.ID, []models.JobStatus{models.JobRunning}, models.JobCanceled)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: cannot cancel job %s", ErrInvalidJobState, job.ID)
	}
	s.log.Info().Str("job_id", job.ID.String()).Msg("running job canceled")
	return nil
}

func (s *service) refundUnstarted(ctx context.Context, job *models.GenerationJob) error {
	logger := s.log.With().Str("job_id", job.ID.String()).Logger()
	claimed, err := s.store.MarkRefunded(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("claim refund of job %s: %w", job.ID, err)
	}
	if !claimed {
		logger.Debug().Msg("canceled job already refunded")
		return nil
	}
	_, err = s.ledger.RefundCredits(ctx, job.TeamID, job.UserID, job.Type.CreditType(), job.NumberOfVariations, ledger.RefundOptions{
		CreditsID:     job.CreditsID,
		IsOverage:     job.IsOverage,
		ReferenceType: models.RefJobCancel,
		ReferenceID:   job.ID,
	})
	if err != nil {
		logger.Error().Err(err).Msg("canceled job refund failed")
		s.releaseRefund(ctx, job.ID)
		return fmt.Errorf("refund canceled job %s: %w", job.ID, err)
	}
	logger.Info().Int("credits", job.NumberOfVariations).Msg("queued job canceled and refunded")
	return nil
}

// releaseRefund clears the marker of a job whose refund did not land.
func (s *service) releaseRefund(ctx context.Context, id uuid.UUID) {
	if err := s.store.ClearRefunded(context.WithoutCancel(ctx), []uuid.UUID{id}); err != nil {
		s.log.Error().Err(err).Str("job_id", id.String()).Msg("refund marker not released")
	}
}

// Retry creates a new job from a failed or canceled original with its own
// credit charge. A job that is itself a retry cannot be retried.
func (s *service) Retry(ctx context.Context, teamID, id uuid.UUID, userID *uuid.UUID, confirmOverage bool) (*models.GenerationJob, error) {
	orig, err := s.Get(ctx, teamID, id)
	if err != nil {
		return nil, err
	}
	if orig.RetryOfJobID != nil {
		return nil, ErrRetryOfRetryForbidden
	}
	if orig.Status != models.JobFailed && orig.Status != models.JobCanceled {
		return nil, fmt.Errorf("%w: job %s is %s", ErrInvalidJobState, orig.ID, orig.Status)
	}
	origID := orig.ID
	if userID == nil {
		userID = orig.UserID
	}
	return s.charge(ctx, &models.GenerationJob{
		TeamID:             orig.TeamID,
		UserID:             userID,
		ProductID:          orig.ProductID,
		VariantID:          orig.VariantID,
		Type:               orig.Type,
		BatchID:            orig.BatchID,
		Params:             orig.Params,
		NumberOfVariations: orig.NumberOfVariations,
		RetryOfJobID:       &origID,
		RetryAttempt:       orig.RetryAttempt + 1,
	}, confirmOverage)
}

// RefundFailed refunds the outputs a failed or canceled job did not produce.
// The refunded_at marker is claimed first so a job is refunded at most once,
// and released again if the ledger refund fails.
func (s *service) RefundFailed(ctx context.Context, teamID, id uuid.UUID) (*RefundResult, error) {
	job, err := s.Get(ctx, teamID, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobFailed && job.Status != models.JobCanceled {
		return nil, fmt.Errorf("%w: job %s is %s", ErrInvalidJobState, job.ID, job.Status)
	}
	if job.RefundedAt != nil {
		return nil, ErrAlreadyRefunded
	}
	claimed, err := s.store.MarkRefunded(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrAlreadyRefunded
	}
	qty := max(0, job.NumberOfVariations-job.Progress.Produced())
	out := &RefundResult{JobID: job.ID, Refunded: qty}
	if qty == 0 {
		return out, nil
	}
	out.Record, err = s.ledger.RefundCredits(ctx, job.TeamID, job.UserID, job.Type.CreditType(), qty, ledger.RefundOptions{
		CreditsID:     job.CreditsID,
		IsOverage:     job.IsOverage,
		ReferenceType: models.RefJobRefund,
		ReferenceID:   job.ID,
	})
	if err != nil {
		s.releaseRefund(ctx, job.ID)
		return nil, fmt.Errorf("refund job %s: %w", job.ID, err)
	}
	return out, nil
}

// --- execution.JobService

func (s *service) Load(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	return s.store.Get(ctx, id)
}

// Start moves a queued job to running. It reports false when the job has
// left queued meanwhile; an error means the store could not be reached.
func (s *service) Start(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := s.store.Transition(ctx, id, []models.JobStatus{models.JobQueued}, models.JobRunning)
	if err != nil {
		return false, fmt.Errorf("start job %s: %w", id, err)
	}
	return ok, nil
}

func (s *service) Complete(ctx context.Context, job *models.GenerationJob, artifacts []models.Artifact) (models.JobStatus, error) {
	status, err := s.store.Complete(ctx, job, artifacts)
	if err != nil {
		return "", err
	}
	if status != models.JobSuccess {
		s.log.Info().Str("job_id", job.ID.String()).Str("status", string(status)).Msg("result recorded on non-running job")
	}
	return status, nil
}

func (s *service) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	ok, err := s.store.Fail(ctx, id, reason)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: job %s is not running", ErrInvalidJobState, id)
	}
	return nil
}

// ReportProgress appends one produced output to a running job.
func (s *service) ReportProgress(ctx context.Context, id uuid.UUID, imageID string) error {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != models.JobRunning {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidJobState, id, job.Status)
	}
	p := job.Progress
	p.Current++
	if imageID != "" {
		p.CompletedImageIDs = append(p.CompletedImageIDs, imageID)
	}
	ok, err := s.store.UpdateProgress(ctx, id, p)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: job %s left running", ErrInvalidJobState, id)
	}
	return nil
}

// CancelJob cancels a job on behalf of the executor, e.g. when its batch is gone.
func (s *service) CancelJob(ctx context.Context, job *models.GenerationJob) error {
	return s.cancel(ctx, job)
}
