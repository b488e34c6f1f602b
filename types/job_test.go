package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from    JobStatus
		to      JobStatus
		allowed bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusError, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusError, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusRunning, false},
		{StatusCancelled, StatusRunning, false},
		{StatusError, StatusCompleted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestTerminalStatesAbsorb(t *testing.T) {
	all := []JobStatus{StatusPending, StatusRunning, StatusCompleted, StatusError, StatusCancelled}
	for _, terminal := range []JobStatus{StatusCompleted, StatusError, StatusCancelled} {
		for _, next := range all {
			assert.False(t, terminal.CanTransitionTo(next),
				"terminal %s must not transition to %s", terminal, next)
		}
	}
}

func TestNewJob(t *testing.T) {
	req := GenerationRequest{Topic: "cloud backup", Count: 5, Temperature: 0.7, TemplateVersion: "v1"}
	job := NewJob(req, time.Hour)

	require.NotEmpty(t, job.ID)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.WithinDuration(t, time.Now().UTC().Add(time.Hour), job.ExpiresAt, 5*time.Second)
	assert.False(t, job.Expired(time.Now().UTC()))
	assert.True(t, job.Expired(job.ExpiresAt.Add(time.Second)))
}

func TestJobClone(t *testing.T) {
	job := NewJob(GenerationRequest{Topic: "x", Count: 2}, time.Hour)
	job.Samples = []Sample{{ID: "s1", Text: "hello"}}
	job.UnitErrors = []UnitError{{UnitIndex: 1, Code: ErrTimeout}}

	cp := job.Clone()
	cp.Samples[0].Text = "mutated"
	cp.UnitErrors[0].Code = ErrThrottled

	assert.Equal(t, "hello", job.Samples[0].Text)
	assert.Equal(t, ErrTimeout, job.UnitErrors[0].Code)
}
