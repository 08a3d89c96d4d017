package postgres

import "gorm.io/gorm"

// UserScope returns a GORM scope that filters by user_id.
// Every per-user query applies it.
func UserScope(userID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("user_id = ?", userID)
	}
}
