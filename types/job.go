package types

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a generation job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusError     JobStatus = "error"
	StatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status is a terminal state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine allows moving from s to
// next. Transitions are monotonic and acyclic: pending → running →
// {completed, error, cancelled}; terminal states absorb.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled || next == StatusError
	case StatusRunning:
		return next.IsTerminal()
	}
	return false
}

// GenerationRequest describes one batch generation job submission.
type GenerationRequest struct {
	// Topic is the product or subject to generate samples about.
	Topic string `json:"topic"`
	// Count is the number of samples to generate.
	Count int `json:"count"`
	// Temperature is the sampling temperature passed to the provider.
	Temperature float64 `json:"temperature"`
	// TemplateVersion selects the prompt template.
	TemplateVersion string `json:"template_version"`
	// Provider selects the generation backend: openai, anthropic, mock.
	// Empty means the configured default.
	Provider string `json:"provider,omitempty"`
}

// Sample is a single generated text sample with metadata.
type Sample struct {
	ID              string    `json:"id"`
	Text            string    `json:"text"`
	TokensEstimated int       `json:"tokens_estimated"`
	GeneratedAt     time.Time `json:"generated_at"`
	// UnitIndex is the position in the requested batch, for diagnostics
	// only. Sample ordering carries no meaning.
	UnitIndex int `json:"unit_index"`
}

// UnitError summarizes one generation unit that exhausted its retries.
type UnitError struct {
	UnitIndex int       `json:"unit_index"`
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Attempts  int       `json:"attempts"`
}

// Job is the persisted record of a generation job.
type Job struct {
	ID           string            `json:"job_id"`
	Status       JobStatus         `json:"status"`
	Request      GenerationRequest `json:"request"`
	Progress     int               `json:"progress"`
	Samples      []Sample          `json:"samples,omitempty"`
	UnitErrors   []UnitError       `json:"unit_errors,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	// Version counts mutations, used by stores for optimistic locking.
	Version int64 `json:"-"`
}

// NewJob creates a pending job record for the given request.
func NewJob(req GenerationRequest, ttl time.Duration) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		Request:   req,
		Progress:  0,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Expired reports whether the record is past its TTL deadline at now.
func (j *Job) Expired(now time.Time) bool {
	return !j.ExpiresAt.IsZero() && now.After(j.ExpiresAt)
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Samples != nil {
		cp.Samples = make([]Sample, len(j.Samples))
		copy(cp.Samples, j.Samples)
	}
	if j.UnitErrors != nil {
		cp.UnitErrors = make([]UnitError, len(j.UnitErrors))
		copy(cp.UnitErrors, j.UnitErrors)
	}
	return &cp
}

// NewSampleID returns a fresh sample identifier.
func NewSampleID() string {
	return uuid.NewString()
}
