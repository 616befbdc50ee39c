package repository

import (
	"context"
	"fmt"
	"time"
)

// AddUser registers a buyer on first contact. Repeat calls are no-ops.
func (swdb *SingleWriterDB) AddUser(ctx context.Context, userID int64) error {
	swdb.mu.Lock()
	defer swdb.mu.Unlock()

	_, err := swdb.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (user_id, created_at) VALUES (?, ?)`,
		userID, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// AllUserIDs returns every registered buyer, for broadcast
func (swdb *SingleWriterDB) AllUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := swdb.db.QueryContext(ctx, `SELECT user_id FROM users ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
