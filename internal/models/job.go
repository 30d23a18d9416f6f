package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus values. Transitions are monotonic; nothing re-enters queued.
type JobStatus string

const (
	JobQueued   JobStatus = "queued"
	JobRunning  JobStatus = "running"
	JobSuccess  JobStatus = "success"
	JobFailed   JobStatus = "failed"
	JobCanceled JobStatus = "canceled"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobSuccess || s == JobFailed || s == JobCanceled
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobQueued:  {JobRunning, JobCanceled},
	JobRunning: {JobSuccess, JobFailed, JobCanceled},
}

// CanTransition reports whether a job may move from s to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// JobType selects the generation parameters and the credit type charged.
type JobType string

const (
	JobTypeGeneration  JobType = "generation"
	JobTypeEdit        JobType = "edit"
	JobTypeDescription JobType = "description"
)

func (t JobType) Valid() bool {
	switch t {
	case JobTypeGeneration, JobTypeEdit, JobTypeDescription:
		return true
	}
	return false
}

// CreditType returns which balance a job of this type draws from.
func (t JobType) CreditType() CreditType {
	if t == JobTypeDescription {
		return CreditText
	}
	return CreditImage
}

// JobParams is the per-type parameter payload of a generation job.
type JobParams interface {
	JobType() JobType
}

type GenerationParams struct {
	Prompt      string `json:"prompt"`
	Style       string `json:"style,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

func (GenerationParams) JobType() JobType { return JobTypeGeneration }

type EditParams struct {
	SourceImageID string `json:"source_image_id"`
	Instruction   string `json:"instruction"`
}

func (EditParams) JobType() JobType { return JobTypeEdit }

type DescriptionParams struct {
	ProductTitle string   `json:"product_title"`
	Tone         string   `json:"tone,omitempty"`
	MaxWords     int      `json:"max_words,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
}

func (DescriptionParams) JobType() JobType { return JobTypeDescription }

var ErrUnknownJobType = errors.New("unknown job type")

// DecodeParams decodes raw into the parameter type for t.
func DecodeParams(t JobType, raw json.RawMessage) (JobParams, error) {
	switch t {
	case JobTypeGeneration:
		var p GenerationParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode generation params: %w", err)
		}
		return p, nil
	case JobTypeEdit:
		var p EditParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode edit params: %w", err)
		}
		return p, nil
	case JobTypeDescription:
		var p DescriptionParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode description params: %w", err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownJobType, t)
}

// JobProgress tracks produced output while a job runs.
type JobProgress struct {
	Current           int      `json:"current"`
	Total             int      `json:"total"`
	CompletedImageIDs []string `json:"completed_image_ids"`
}

// Produced is the number of outputs counted from progress alone.
func (p JobProgress) Produced() int {
	if n := len(p.CompletedImageIDs); n > 0 {
		return n
	}
	return p.Current
}

// GenerationJob is one unit of billable generation work.
type GenerationJob struct {
	ID                 uuid.UUID   `json:"id"`
	TeamID             uuid.UUID   `json:"team_id"`
	UserID             *uuid.UUID  `json:"user_id,omitempty"`
	ProductID          string      `json:"product_id"`
	VariantID          string      `json:"variant_id,omitempty"`
	Type               JobType     `json:"type"`
	Status             JobStatus   `json:"status"`
	BatchID            *uuid.UUID  `json:"batch_id,omitempty"`
	GenerationID       *uuid.UUID  `json:"generation_id,omitempty"`
	Progress           JobProgress `json:"progress"`
	Error              *string     `json:"error,omitempty"`
	Params             JobParams   `json:"params"`
	NumberOfVariations int         `json:"number_of_variations"`
	CreditsID          uuid.UUID   `json:"credits_id"`
	IsOverage          bool        `json:"is_overage"`
	RetryOfJobID       *uuid.UUID  `json:"retry_of_job_id,omitempty"`
	RetryAttempt       int         `json:"retry_attempt"`
	RefundedAt         *time.Time  `json:"refunded_at,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
	StartedAt          *time.Time  `json:"started_at,omitempty"`
	CompletedAt        *time.Time  `json:"completed_at,omitempty"`
}

// Artifact is one output returned by a Generator.
type Artifact struct {
	ImageID string `json:"image_id,omitempty"`
	URL     string `json:"url,omitempty"`
	Text    string `json:"text,omitempty"`
}
