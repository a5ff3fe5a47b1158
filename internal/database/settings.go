package database

import (
	"context"
	"strconv"

	"github.com/bryan-buckman/leapfrog/internal/model"
)

// MinPollingInterval is the lowest accepted polling interval in minutes.
const MinPollingInterval = 15

// GetSetting retrieves a setting value.
func (b *base) GetSetting(ctx context.Context, key string) (string, error) {
	var val string
	err := b.queryRow(ctx, b.conn, "SELECT value FROM settings WHERE key = ?", key).Scan(&val)
	return val, notFound(err)
}

// SetSetting saves a setting.
func (b *base) SetSetting(ctx context.Context, key, value string) error {
	_, err := b.exec(ctx, b.conn,
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = ?",
		key, value, value)
	return err
}

// GetPollingInterval returns the polling interval in minutes, with a minimum of 15.
func (b *base) GetPollingInterval(ctx context.Context) (int, error) {
	val, err := b.GetSetting(ctx, model.SettingPollingInterval)
	if err != nil {
		return MinPollingInterval, nil // default
	}
	mins, _ := strconv.Atoi(val)
	if mins < MinPollingInterval {
		mins = MinPollingInterval
	}
	return mins, nil
}
