package store

import (
	"context"
	"fmt"
)

// Settings is the in-process snapshot GetAllSettings builds from the
// settings table on every call; no cache sits in front of it.
type Settings struct {
	LoginType           int  `db:"-"`
	AllowClaimingChat   bool `db:"-"`
	MaxStaffsInChat     int  `db:"-"`
	AutoAssign          bool `db:"-"`
	AutoReassign        bool `db:"-"`
	HoursToAutoReassign int  `db:"-"`
}

// GetAllSettings reads every settings row into a Settings snapshot. Missing
// keys fall back to conservative defaults (claiming allowed, one staff per
// chat, auto-assign on, auto-reassign after 24h).
func (db *DB) GetAllSettings(ctx context.Context) (*Settings, error) {
	rows, err := db.QueryxContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	defer rows.Close()

	raw := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting row: %w", err)
		}
		raw[key] = value
	}

	s := &Settings{
		LoginType:           0,
		AllowClaimingChat:   true,
		MaxStaffsInChat:     1,
		AutoAssign:          true,
		AutoReassign:        true,
		HoursToAutoReassign: 24,
	}
	if v, ok := raw[SettingLoginType]; ok {
		fmt.Sscanf(v, "%d", &s.LoginType)
	}
	if v, ok := raw[SettingAllowClaimingChat]; ok {
		s.AllowClaimingChat = v == "1"
	}
	if v, ok := raw[SettingMaxStaffsInChat]; ok {
		fmt.Sscanf(v, "%d", &s.MaxStaffsInChat)
	}
	if v, ok := raw[SettingAutoAssign]; ok {
		s.AutoAssign = v == "1"
	}
	if v, ok := raw[SettingAutoReassign]; ok {
		s.AutoReassign = v == "1"
	}
	if v, ok := raw[SettingHoursToAutoReassign]; ok {
		fmt.Sscanf(v, "%d", &s.HoursToAutoReassign)
	}

	return s, nil
}

// SetSetting upserts a single settings key. It performs no role check.
func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}
