package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type BatchStatus string

const (
	BatchQueued   BatchStatus = "queued"
	BatchRunning  BatchStatus = "running"
	BatchPaused   BatchStatus = "paused"
	BatchSuccess  BatchStatus = "success"
	BatchFailed   BatchStatus = "failed"
	BatchCanceled BatchStatus = "canceled"
)

func (s BatchStatus) IsTerminal() bool {
	return s == BatchSuccess || s == BatchFailed || s == BatchCanceled
}

// Batch groups generation jobs that share settings and lifecycle controls.
type Batch struct {
	ID           uuid.UUID       `json:"id"`
	TeamID       uuid.UUID       `json:"team_id"`
	Name         string          `json:"name"`
	Status       BatchStatus     `json:"status"`
	Settings     json.RawMessage `json:"settings,omitempty"`
	VariantCount int             `json:"variant_count"`
	ImageCount   int             `json:"image_count"`
	FolderID     *uuid.UUID      `json:"folder_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// StatusCounts is the number of batch jobs per job status.
type StatusCounts struct {
	Queued   int `json:"queued"`
	Running  int `json:"running"`
	Success  int `json:"success"`
	Failed   int `json:"failed"`
	Canceled int `json:"canceled"`
}

func (c *StatusCounts) Add(s JobStatus) {
	switch s {
	case JobQueued:
		c.Queued++
	case JobRunning:
		c.Running++
	case JobSuccess:
		c.Success++
	case JobFailed:
		c.Failed++
	case JobCanceled:
		c.Canceled++
	}
}

func (c StatusCounts) Total() int {
	return c.Queued + c.Running + c.Success + c.Failed + c.Canceled
}

// Done is the number of jobs in a terminal state.
func (c StatusCounts) Done() int {
	return c.Success + c.Failed + c.Canceled
}

// DerivedStatus computes the displayed batch status. Paused and canceled are
// user actions stored on the batch and win over job aggregation.
func (b *Batch) DerivedStatus(c StatusCounts) BatchStatus {
	if b.Status == BatchPaused || b.Status == BatchCanceled || c.Total() == 0 {
		return b.Status
	}
	switch {
	case c.Running > 0:
		return BatchRunning
	case c.Queued > 0 && c.Done() == 0:
		return BatchQueued
	case c.Queued > 0:
		return BatchRunning
	case c.Success > 0:
		return BatchSuccess
	case c.Failed > 0:
		return BatchFailed
	}
	return BatchCanceled
}
