package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/dataforge/config"
	"github.com/BaSui01/dataforge/types"
)

// jobRecord is the SQL row backing one job. The full job document lives in
// Payload; Status and ExpiresAt are lifted into columns for querying, and
// Version drives optimistic locking.
type jobRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	Status    string `gorm:"size:16;index"`
	Payload   []byte
	ExpiresAt time.Time `gorm:"index"`
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (jobRecord) TableName() string { return "jobs" }

// Database is the SQL-backed job store.
type Database struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewDatabase opens the configured SQL backend and migrates the schema.
func NewDatabase(cfg config.DatabaseConfig, logger *zap.Logger) (*Database, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN())
	case "postgres":
		dialector = postgres.Open(cfg.DSN())
	case "mysql":
		dialector = mysql.Open(cfg.DSN())
	default:
		return nil, types.NewErrorf(types.ErrConfiguration,
			"unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&jobRecord{}); err != nil {
		return nil, fmt.Errorf("migrate jobs table: %w", err)
	}

	return &Database{
		db:     db,
		logger: logger.With(zap.String("component", "store"), zap.String("backend", "database")),
		now:    time.Now,
	}, nil
}

func (d *Database) encode(job *types.Job) (*jobRecord, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "marshal job").WithCause(err)
	}
	return &jobRecord{
		ID:        job.ID,
		Status:    string(job.Status),
		Payload:   payload,
		ExpiresAt: job.ExpiresAt,
		Version:   job.Version,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}, nil
}

func (d *Database) decode(rec *jobRecord) (*types.Job, error) {
	var job types.Job
	if err := json.Unmarshal(rec.Payload, &job); err != nil {
		return nil, types.NewError(types.ErrInternal, "decode job").WithCause(err)
	}
	job.Version = rec.Version
	return &job, nil
}

// Create implements Store.
func (d *Database) Create(ctx context.Context, job *types.Job) error {
	rec, err := d.encode(job)
	if err != nil {
		return err
	}
	if err := d.db.WithContext(ctx).Create(rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
			return duplicateID(job.ID)
		}
		return types.NewError(types.ErrInternal, "create job").WithCause(err)
	}
	return nil
}

// Get implements Store.
func (d *Database) Get(ctx context.Context, id string) (*types.Job, error) {
	var rec jobRecord
	err := d.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "get job").WithCause(err)
	}

	job, err := d.decode(&rec)
	if err != nil {
		return nil, err
	}
	if job.Expired(d.now()) {
		return nil, notFound(id)
	}
	return job, nil
}

// Update implements Store. Optimistic locking: the UPDATE is conditioned
// on the version read, and a concurrent write forces a bounded retry.
func (d *Database) Update(ctx context.Context, id string, mutate Mutation) (*types.Job, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		current, err := d.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		next := current.Clone()
		if err := mutate(next); err != nil {
			return nil, err
		}
		if err := checkTransition(current.Status, next.Status); err != nil {
			return nil, err
		}

		next.ID = current.ID
		next.Version = current.Version + 1
		next.UpdatedAt = d.now().UTC()

		rec, err := d.encode(next)
		if err != nil {
			return nil, err
		}

		res := d.db.WithContext(ctx).
			Model(&jobRecord{}).
			Where("id = ? AND version = ?", id, current.Version).
			Updates(map[string]any{
				"status":     rec.Status,
				"payload":    rec.Payload,
				"version":    rec.Version,
				"updated_at": rec.UpdatedAt,
			})
		if res.Error != nil {
			return nil, types.NewError(types.ErrInternal, "update job").WithCause(res.Error)
		}
		if res.RowsAffected == 1 {
			return next, nil
		}
	}
	return nil, types.NewErrorf(types.ErrInternal,
		"update of job %s lost %d optimistic-lock races", id, casRetries)
}

// Delete implements Store.
func (d *Database) Delete(ctx context.Context, id string) error {
	if err := d.db.WithContext(ctx).Delete(&jobRecord{}, "id = ?", id).Error; err != nil {
		return types.NewError(types.ErrInternal, "delete job").WithCause(err)
	}
	return nil
}

// CountActive implements Store.
func (d *Database) CountActive(ctx context.Context) (int, error) {
	var count int64
	err := d.db.WithContext(ctx).
		Model(&jobRecord{}).
		Where("status IN ? AND expires_at > ?",
			[]string{string(types.StatusPending), string(types.StatusRunning)}, d.now()).
		Count(&count).Error
	if err != nil {
		return 0, types.NewError(types.ErrInternal, "count active jobs").WithCause(err)
	}
	return int(count), nil
}

// Close implements Store.
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// isUniqueViolation matches driver-specific duplicate-key errors that gorm
// does not translate on every dialect.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, needle := range []string{"UNIQUE constraint", "Duplicate entry", "duplicate key"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
