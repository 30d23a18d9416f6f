package catalogsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prodgen/backend/internal/models"
)

var (
	ErrSyncJobNotFound = errors.New("sync job not found")
	ErrAccountNotFound = errors.New("catalog account not found")
	// ErrDuplicateActive is returned by Store.Insert when the account already
	// has a queued or running job of the same type.
	ErrDuplicateActive = errors.New("an active sync job already exists")
)

// AccountLookup resolves the team that owns an external catalog account.
type AccountLookup interface {
	AccountTeam(ctx context.Context, accountID uuid.UUID) (uuid.UUID, error)
}

type JobStore interface {
	Insert(ctx context.Context, job *models.SyncJob) error
	Get(ctx context.Context, id uuid.UUID) (*models.SyncJob, error)
	FindActive(ctx context.Context, accountID uuid.UUID, syncType string) (*models.SyncJob, error)
}

// KickFunc asks the scheduler for an invocation soon instead of waiting for the next period.
type KickFunc func(ctx context.Context) error

type Service struct {
	store    JobStore
	accounts AccountLookup
	kick     KickFunc
	log      zerolog.Logger
}

func NewService(store JobStore, accounts AccountLookup, kick KickFunc, log zerolog.Logger) *Service {
	return &Service{store: store, accounts: accounts, kick: kick, log: log.With().Str("component", "catalogsync").Logger()}
}

// Start queues a product sync for accountID. If one is already queued or
// running for the account, that job is returned and created is false.
func (s *Service) Start(ctx context.Context, teamID, accountID uuid.UUID) (job *models.SyncJob, created bool, err error) {
	owner, err := s.accounts.AccountTeam(ctx, accountID)
	if err != nil {
		return nil, false, err
	}
	if owner != teamID {
		return nil, false, ErrAccountNotFound
	}
	if existing, err := s.store.FindActive(ctx, accountID, models.SyncTypeProducts); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrSyncJobNotFound) {
		return nil, false, err
	}

	job = &models.SyncJob{
		ID:        uuid.New(),
		TeamID:    teamID,
		AccountID: accountID,
		Type:      models.SyncTypeProducts,
		Status:    models.SyncQueued,
	}
	if err := s.store.Insert(ctx, job); err != nil {
		if errors.Is(err, ErrDuplicateActive) {
			existing, ferr := s.store.FindActive(ctx, accountID, models.SyncTypeProducts)
			if ferr != nil {
				return nil, false, fmt.Errorf("load active sync job: %w", ferr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert sync job: %w", err)
	}
	s.log.Info().Str("sync_job_id", job.ID.String()).Str("account_id", accountID.String()).Msg("sync job queued")
	if s.kick != nil {
		if err := s.kick(ctx); err != nil {
			s.log.Warn().Err(err).Msg("could not schedule immediate sync invocation")
		}
	}
	return job, true, nil
}

func (s *Service) Get(ctx context.Context, teamID, id uuid.UUID) (*models.SyncJob, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.TeamID != teamID {
		return nil, ErrSyncJobNotFound
	}
	return job, nil
}
