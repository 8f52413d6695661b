package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enums
type JobType string

const (
	JobTypeFaceAnalysis      JobType = "face_analysis"
	JobTypePromptEnhancement JobType = "prompt_enhancement"
	JobTypeVideoGeneration   JobType = "video_generation"
	JobTypeVideoExtension    JobType = "video_extension"
	JobTypeVideoStitch       JobType = "video_stitch"
	JobTypeVideoExport       JobType = "video_export"
)

// AllJobTypes lists every job type the pipeline accepts.
var AllJobTypes = []JobType{
	JobTypeFaceAnalysis,
	JobTypePromptEnhancement,
	JobTypeVideoGeneration,
	JobTypeVideoExtension,
	JobTypeVideoStitch,
	JobTypeVideoExport,
}

func (t JobType) Valid() bool {
	for _, known := range AllJobTypes {
		if t == known {
			return true
		}
	}
	return false
}

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

type NodeStatus string

const (
	NodeStatusIdle       NodeStatus = "idle"
	NodeStatusProcessing NodeStatus = "processing"
	NodeStatusCompleted  NodeStatus = "completed"
	NodeStatusFailed     NodeStatus = "failed"
)

type SubscriptionStatus string

const (
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	SubscriptionStatusExpired  SubscriptionStatus = "expired"
	SubscriptionStatusRevoked  SubscriptionStatus = "revoked"
)

type TransactionType string

const (
	TransactionAllocation      TransactionType = "allocation"
	TransactionTrialAllocation TransactionType = "trial_allocation"
	TransactionDeduction       TransactionType = "deduction"
	TransactionRefund          TransactionType = "refund"
	TransactionExpiration      TransactionType = "expiration"
	TransactionAdjustment      TransactionType = "adjustment"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", value)
	}
	return json.Unmarshal(data, j)
}

// Models

type Job struct {
	ID                  uuid.UUID  `json:"id"`
	NodeID              uuid.UUID  `json:"node_id"`
	ProjectID           uuid.UUID  `json:"project_id"`
	UserID              uuid.UUID  `json:"user_id"`
	Type                JobType    `json:"type"`
	Status              JobStatus  `json:"status"`
	Progress            int        `json:"progress"`
	Stage               *string    `json:"stage,omitempty"`
	ProgressMessage     *string    `json:"progress_message,omitempty"`
	Result              JSONB      `json:"result,omitempty"`
	Error               *string    `json:"error,omitempty"`
	ExternalOperationID *string    `json:"external_operation_id,omitempty"`
	CreditCost          int        `json:"credit_cost"`
	Owner               *string    `json:"-"`
	Attempts            int        `json:"attempts"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// JobView is the status document served to the UI layer.
type JobView struct {
	JobID           uuid.UUID `json:"job_id"`
	NodeID          uuid.UUID `json:"node_id"`
	ProjectID       uuid.UUID `json:"project_id"`
	Type            JobType   `json:"type"`
	Status          JobStatus `json:"status"`
	Progress        int       `json:"progress"`
	Result          JSONB     `json:"result,omitempty"`
	Error           *string   `json:"error,omitempty"`
	Stage           *string   `json:"stage,omitempty"`
	ProgressMessage *string   `json:"progress_message,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (j *Job) View() JobView {
	return JobView{
		JobID:           j.ID,
		NodeID:          j.NodeID,
		ProjectID:       j.ProjectID,
		Type:            j.Type,
		Status:          j.Status,
		Progress:        j.Progress,
		Result:          j.Result,
		Error:           j.Error,
		Stage:           j.Stage,
		ProgressMessage: j.ProgressMessage,
		UpdatedAt:       j.UpdatedAt,
	}
}

type Subscription struct {
	ID                 uuid.UUID          `json:"id"`
	UserID             uuid.UUID          `json:"user_id"`
	PlanID             string             `json:"plan_id"`
	Status             SubscriptionStatus `json:"status"`
	CreditsBalance     int                `json:"credits_balance"`
	CreditsTotal       int                `json:"credits_total"`
	TrialStartedAt     *time.Time         `json:"trial_started_at,omitempty"`
	TrialEndsAt        *time.Time         `json:"trial_ends_at,omitempty"`
	CurrentPeriodStart *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time         `json:"current_period_end,omitempty"`
	CanceledAt         *time.Time         `json:"canceled_at,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// CanSpend reports whether the subscription may be charged or credited at now.
// A canceled subscription keeps its balance until the paid period ends.
func (s *Subscription) CanSpend(now time.Time) bool {
	switch s.Status {
	case SubscriptionStatusActive, SubscriptionStatusTrialing:
		return true
	case SubscriptionStatusCanceled:
		return s.CurrentPeriodEnd != nil && now.Before(*s.CurrentPeriodEnd)
	default:
		return false
	}
}

type CreditTransaction struct {
	ID             uuid.UUID       `json:"id"`
	SubscriptionID uuid.UUID       `json:"subscription_id"`
	UserID         uuid.UUID       `json:"user_id"`
	Type           TransactionType `json:"type"`
	Amount         int             `json:"amount"`
	BalanceAfter   int             `json:"balance_after"`
	Operation      string          `json:"operation,omitempty"`
	Description    string          `json:"description"`
	JobID          *uuid.UUID      `json:"job_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
