package catalog

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/prodgen/backend/internal/catalogsync"
	"github.com/prodgen/backend/internal/models"
)

type AccountGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*Account, error)
}

type ProductLister interface {
	ListProducts(ctx context.Context, acct *Account, cursor *string, limit int) (*Page, error)
}

type ProductWriter interface {
	UpsertPage(ctx context.Context, teamID, accountID uuid.UUID, items []models.Product) error
}

// Syncer is the product sync step: fetch one page, store it, return the next cursor.
type Syncer struct {
	accounts AccountGetter
	lister   ProductLister
	writer   ProductWriter
	pageSize int
}

func NewSyncer(accounts AccountGetter, lister ProductLister, writer ProductWriter, pageSize int) *Syncer {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Syncer{accounts: accounts, lister: lister, writer: writer, pageSize: pageSize}
}

var _ catalogsync.Step = (*Syncer)(nil)

func (s *Syncer) Run(ctx context.Context, job *models.SyncJob) (catalogsync.StepResult, error) {
	acct, err := s.accounts.Get(ctx, job.AccountID)
	if err != nil {
		return catalogsync.StepResult{}, fmt.Errorf("load account: %w", err)
	}
	page, err := s.lister.ListProducts(ctx, acct, job.Progress.Cursor, s.pageSize)
	if err != nil {
		return catalogsync.StepResult{}, err
	}
	if err := s.writer.UpsertPage(ctx, job.TeamID, job.AccountID, page.Items); err != nil {
		return catalogsync.StepResult{}, fmt.Errorf("store products: %w", err)
	}
	return catalogsync.StepResult{
		Cursor:     page.NextCursor,
		Processed:  len(page.Items),
		IsComplete: page.NextCursor == nil,
	}, nil
}
