package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Setting keys
const (
	SettingSessionPrice = "session_price"
	SettingExtraAdmins  = "extra_admins"
)

// GetSetting reads a durable runtime setting. The second return value is
// false when the key has never been set.
func (swdb *SingleWriterDB) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := swdb.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetSetting writes a durable runtime setting
func (swdb *SingleWriterDB) SetSetting(ctx context.Context, key, value string) error {
	swdb.mu.Lock()
	defer swdb.mu.Unlock()

	_, err := swdb.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upsert setting %s: %w", key, err)
	}
	return nil
}
