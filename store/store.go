// =============================================================================
// DataForge job store
// =============================================================================
// Persistence contract for job records with three backends: in-memory,
// Redis, and SQL. All backends share the same semantics:
//
//   - Create fails on duplicate IDs
//   - Get treats expired records as not found
//   - Update applies a mutation atomically and refuses transitions the
//     job state machine forbids
//   - Delete is idempotent
// =============================================================================
package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/dataforge/config"
	"github.com/BaSui01/dataforge/types"
)

// Mutation edits a job in place inside an atomic update. Returning an
// error aborts the update without persisting anything.
type Mutation func(*types.Job) error

// Store persists job records.
type Store interface {
	// Create inserts a new job. Fails with DUPLICATE_ID if the ID exists.
	Create(ctx context.Context, job *types.Job) error

	// Get returns a copy of the job. Expired or missing jobs fail with
	// JOB_NOT_FOUND.
	Get(ctx context.Context, id string) (*types.Job, error)

	// Update atomically applies mutate to the current record and persists
	// the result, returning the updated copy. Status changes the state
	// machine forbids fail with INVALID_TRANSITION.
	Update(ctx context.Context, id string, mutate Mutation) (*types.Job, error)

	// Delete removes the job. Deleting a missing job is not an error.
	Delete(ctx context.Context, id string) error

	// CountActive returns the number of jobs in pending or running state.
	CountActive(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}

// New constructs the configured backend.
func New(cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Backend {
	case "memory":
		return NewMemory(logger), nil
	case "redis":
		return NewRedis(cfg.Redis, logger)
	case "database":
		return NewDatabase(cfg.Database, logger)
	default:
		return nil, types.NewErrorf(types.ErrConfiguration,
			"unsupported store backend %q", cfg.Backend)
	}
}

// checkTransition enforces terminal-state stickiness at the store layer.
// The orchestrator already respects the state machine; this guard catches
// racing writers.
func checkTransition(from, to types.JobStatus) error {
	if from == to {
		return nil
	}
	if !from.CanTransitionTo(to) {
		return types.NewErrorf(types.ErrInvalidTransition,
			"cannot transition job from %s to %s", from, to)
	}
	return nil
}

func notFound(id string) error {
	return types.NewErrorf(types.ErrJobNotFound, "job %s not found", id)
}

func duplicateID(id string) error {
	return types.NewErrorf(types.ErrDuplicateID, "job %s already exists", id)
}
