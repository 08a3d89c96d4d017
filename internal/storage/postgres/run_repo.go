package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/bothost/internal/storage"
)

// RunRepository implements storage.RunStore.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a RunRepository.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create inserts a run. A zero ID is replaced with a new UUID.
func (r *RunRepository) Create(ctx context.Context, run *storage.RunRecord) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	model := toRunModel(run)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}
	return nil
}

// Finish records the end of a run.
func (r *RunRepository) Finish(ctx context.Context, id uuid.UUID, endedAt time.Time, exitCode int, reason, finalOutput string) error {
	result := r.db.WithContext(ctx).
		Model(&RunModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"ended_at":     endedAt,
			"exit_code":    exitCode,
			"stop_reason":  reason,
			"final_output": finalOutput,
		})
	if result.Error != nil {
		return fmt.Errorf("finishing run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Get returns one run.
func (r *RunRepository) Get(ctx context.Context, id uuid.UUID) (*storage.RunRecord, error) {
	var m RunModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}
	rec := toRunDomain(&m)
	return &rec, nil
}

// ListByUser returns the user's runs, newest first.
func (r *RunRepository) ListByUser(ctx context.Context, userID string, limit int) ([]storage.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []RunModel
	err := r.db.WithContext(ctx).
		Scopes(UserScope(userID)).
		Order("started_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	runs := make([]storage.RunRecord, len(models))
	for i := range models {
		runs[i] = toRunDomain(&models[i])
	}
	return runs, nil
}
