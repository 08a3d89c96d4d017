package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/bothost/internal/storage"
)

// ScanRepository implements storage.ScanStore.
// Append-only: no Update or Delete methods exist on this type.
type ScanRepository struct {
	db *gorm.DB
}

// NewScanRepository creates a ScanRepository.
func NewScanRepository(db *gorm.DB) *ScanRepository {
	return &ScanRepository{db: db}
}

// Append inserts a single scan record.
func (r *ScanRepository) Append(ctx context.Context, rec *storage.ScanRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	model := toScanModel(rec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending scan record: %w", err)
	}
	return nil
}

// ListByUser returns the user's scan records, newest first.
func (r *ScanRepository) ListByUser(ctx context.Context, userID string, limit int) ([]storage.ScanRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []ScanModel
	err := r.db.WithContext(ctx).
		Scopes(UserScope(userID)).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("querying scan records: %w", err)
	}
	recs := make([]storage.ScanRecord, len(models))
	for i := range models {
		recs[i] = toScanDomain(&models[i])
	}
	return recs, nil
}
