package models

import (
	"time"

	"github.com/google/uuid"
)

type SyncStatus string

const (
	SyncQueued  SyncStatus = "queued"
	SyncRunning SyncStatus = "running"
	SyncSuccess SyncStatus = "success"
	SyncFailed  SyncStatus = "failed"
)

const SyncTypeProducts = "products"

// SyncProgress is the checkpoint carried between runner invocations.
type SyncProgress struct {
	Cursor    *string `json:"cursor"`
	Processed int     `json:"processed"`
}

// SyncJob is a re-entrant catalog synchronization job.
type SyncJob struct {
	ID        uuid.UUID    `json:"id"`
	TeamID    uuid.UUID    `json:"team_id"`
	AccountID uuid.UUID    `json:"account_id"`
	Type      string       `json:"type"`
	Status    SyncStatus   `json:"status"`
	Progress  SyncProgress `json:"progress"`
	Error     *string      `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Product is one catalog item upserted by a sync page.
type Product struct {
	ExternalID string           `json:"id"`
	Title      string           `json:"title"`
	Handle     string           `json:"handle,omitempty"`
	Vendor     string           `json:"vendor,omitempty"`
	Status     string           `json:"status,omitempty"`
	Variants   []ProductVariant `json:"variants,omitempty"`
	UpdatedAt  *time.Time       `json:"updated_at,omitempty"`
}

type ProductVariant struct {
	ExternalID string `json:"id"`
	Title      string `json:"title"`
	SKU        string `json:"sku,omitempty"`
}
