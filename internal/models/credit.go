package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreditType is the kind of billable unit a usage record or period counter refers to.
type CreditType string

const (
	CreditImage CreditType = "image"
	CreditText  CreditType = "text"
)

func (t CreditType) Valid() bool {
	return t == CreditImage || t == CreditText
}

// Usage reference types recorded on each ledger entry.
const (
	RefGenerationJob = "generation_job"
	RefJobCancel     = "job_cancel"
	RefJobRefund     = "job_refund"
	RefBatchRefund   = "batch_refund"
	RefCompensation  = "compensation"
)

// CreditPeriod is one billing cycle of a team with its own allotments and counters.
type CreditPeriod struct {
	ID                uuid.UUID `json:"id"`
	TeamID            uuid.UUID `json:"team_id"`
	PeriodStart       time.Time `json:"period_start"`
	PeriodEnd         time.Time `json:"period_end"`
	ImageIncluded     int       `json:"image_included"`
	ImageUsed         int       `json:"image_used"`
	ImageOverageUsed  int       `json:"image_overage_used"`
	TextIncluded      int       `json:"text_included"`
	TextUsed          int       `json:"text_used"`
	TextOverageUsed   int       `json:"text_overage_used"`
	OverageEnabled    bool      `json:"overage_enabled"`
	OverageLimitCents int64     `json:"overage_limit_cents"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Usage is the pair of counters kept per credit type.
type Usage struct {
	Used        int
	OverageUsed int
}

// Usage returns the counters for t.
func (p *CreditPeriod) Usage(t CreditType) Usage {
	if t == CreditText {
		return Usage{Used: p.TextUsed, OverageUsed: p.TextOverageUsed}
	}
	return Usage{Used: p.ImageUsed, OverageUsed: p.ImageOverageUsed}
}

// SetUsage overwrites the counters for t.
func (p *CreditPeriod) SetUsage(t CreditType, u Usage) {
	if t == CreditText {
		p.TextUsed, p.TextOverageUsed = u.Used, u.OverageUsed
		return
	}
	p.ImageUsed, p.ImageOverageUsed = u.Used, u.OverageUsed
}

// Included returns the in-plan allotment for t.
func (p *CreditPeriod) Included(t CreditType) int {
	if t == CreditText {
		return p.TextIncluded
	}
	return p.ImageIncluded
}

// Contains reports whether now falls inside [PeriodStart, PeriodEnd).
func (p *CreditPeriod) Contains(now time.Time) bool {
	return !now.Before(p.PeriodStart) && now.Before(p.PeriodEnd)
}

// UsageRecord is an append-only ledger entry. CreditsUsed is negative for refunds.
type UsageRecord struct {
	ID            uuid.UUID  `json:"id"`
	TeamID        uuid.UUID  `json:"team_id"`
	UserID        *uuid.UUID `json:"user_id,omitempty"`
	PeriodID      uuid.UUID  `json:"credits_id"`
	UsageType     CreditType `json:"usage_type"`
	CreditsUsed   int        `json:"credits_used"`
	IsOverage     bool       `json:"is_overage"`
	ReferenceType string     `json:"reference_type"`
	ReferenceID   uuid.UUID  `json:"reference_id"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (r *UsageRecord) String() string {
	return fmt.Sprintf("%s %+d %s (%s %s)", r.TeamID, r.CreditsUsed, r.UsageType, r.ReferenceType, r.ReferenceID)
}
