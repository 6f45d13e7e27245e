package repository

import (
	"database/sql"

	"go.uber.org/zap"
)

type CursorRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewCursorRepository(db *sql.DB, logger *zap.Logger) *CursorRepository {
	return &CursorRepository{db: db, logger: logger}
}

func (r *CursorRepository) LoadCursor() (uint64, error) {
	var nextBlock uint64
	err := r.db.QueryRow(`
		SELECT next_block FROM scanner_state WHERE id = 1
	`).Scan(&nextBlock)
	return nextBlock, err
}

// SaveCursor never moves the persisted cursor backward, even if called with a
// stale value after a restart.
func (r *CursorRepository) SaveCursor(nextBlock uint64) error {
	_, err := r.db.Exec(`
		UPDATE scanner_state
		SET next_block = GREATEST(next_block, $1), updated_at = NOW()
		WHERE id = 1
	`, nextBlock)
	return err
}
