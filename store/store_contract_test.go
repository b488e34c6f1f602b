package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/dataforge/types"
)

func newTestJob() *types.Job {
	return types.NewJob(types.GenerationRequest{
		Topic:       "wind turbines",
		Count:       5,
		Temperature: 0.8,
	}, time.Hour)
}

// runStoreContract verifies the semantics every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and get roundtrip", func(t *testing.T) {
		s := newStore(t)
		job := newTestJob()

		require.NoError(t, s.Create(ctx, job))

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, types.StatusPending, got.Status)
		assert.Equal(t, "wind turbines", got.Request.Topic)
		assert.Equal(t, 5, got.Request.Count)
	})

	t.Run("duplicate create rejected", func(t *testing.T) {
		s := newStore(t)
		job := newTestJob()

		require.NoError(t, s.Create(ctx, job))
		err := s.Create(ctx, job)
		assert.True(t, types.IsCode(err, types.ErrDuplicateID))
	})

	t.Run("get missing job", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "no-such-job")
		assert.True(t, types.IsCode(err, types.ErrJobNotFound))
	})

	t.Run("update applies mutation", func(t *testing.T) {
		s := newStore(t)
		job := newTestJob()
		require.NoError(t, s.Create(ctx, job))

		updated, err := s.Update(ctx, job.ID, func(j *types.Job) error {
			j.Status = types.StatusRunning
			j.Progress = 40
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, types.StatusRunning, updated.Status)
		assert.Equal(t, 40, updated.Progress)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusRunning, got.Status)
		assert.Equal(t, 40, got.Progress)
	})

	t.Run("update missing job", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Update(ctx, "no-such-job", func(j *types.Job) error { return nil })
		assert.True(t, types.IsCode(err, types.ErrJobNotFound))
	})

	t.Run("terminal states absorb", func(t *testing.T) {
		s := newStore(t)
		job := newTestJob()
		require.NoError(t, s.Create(ctx, job))

		_, err := s.Update(ctx, job.ID, func(j *types.Job) error {
			j.Status = types.StatusCancelled
			return nil
		})
		require.NoError(t, err)

		for _, next := range []types.JobStatus{
			types.StatusRunning, types.StatusCompleted, types.StatusError, types.StatusPending,
		} {
			_, err := s.Update(ctx, job.ID, func(j *types.Job) error {
				j.Status = next
				return nil
			})
			assert.True(t, types.IsCode(err, types.ErrInvalidTransition),
				"cancelled -> %s should be rejected", next)
		}

		// Same-status writes on a terminal job remain legal.
		_, err = s.Update(ctx, job.ID, func(j *types.Job) error {
			j.ErrorMessage = "annotated"
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("skipping running is rejected", func(t *testing.T) {
		s := newStore(t)
		job := newTestJob()
		require.NoError(t, s.Create(ctx, job))

		_, err := s.Update(ctx, job.ID, func(j *types.Job) error {
			j.Status = types.StatusCompleted
			return nil
		})
		assert.True(t, types.IsCode(err, types.ErrInvalidTransition))
	})

	t.Run("mutation error aborts update", func(t *testing.T) {
		s := newStore(t)
		job := newTestJob()
		require.NoError(t, s.Create(ctx, job))

		sentinel := types.NewError(types.ErrValidation, "abort")
		_, err := s.Update(ctx, job.ID, func(j *types.Job) error {
			j.Progress = 99
			return sentinel
		})
		assert.True(t, types.IsCode(err, types.ErrValidation))

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, got.Progress)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := newStore(t)
		job := newTestJob()
		require.NoError(t, s.Create(ctx, job))

		require.NoError(t, s.Delete(ctx, job.ID))
		require.NoError(t, s.Delete(ctx, job.ID))

		_, err := s.Get(ctx, job.ID)
		assert.True(t, types.IsCode(err, types.ErrJobNotFound))
	})

	t.Run("count active tracks lifecycle", func(t *testing.T) {
		s := newStore(t)

		pending := newTestJob()
		require.NoError(t, s.Create(ctx, pending))

		running := newTestJob()
		require.NoError(t, s.Create(ctx, running))
		_, err := s.Update(ctx, running.ID, func(j *types.Job) error {
			j.Status = types.StatusRunning
			return nil
		})
		require.NoError(t, err)

		finished := newTestJob()
		require.NoError(t, s.Create(ctx, finished))
		_, err = s.Update(ctx, finished.ID, func(j *types.Job) error {
			j.Status = types.StatusCancelled
			return nil
		})
		require.NoError(t, err)

		count, err := s.CountActive(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("get returns a copy", func(t *testing.T) {
		s := newStore(t)
		job := newTestJob()
		require.NoError(t, s.Create(ctx, job))

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		got.Request.Topic = "mutated locally"

		again, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "wind turbines", again.Request.Topic)
	})
}
