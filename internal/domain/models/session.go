package models

import "time"

// Session is the caller-facing view of an active refresh-token record.
// It never carries the token digest.
type Session struct {
	ID         string
	DeviceInfo string
	CreatedAt  time.Time
	LastUsedAt *time.Time
	ExpiresAt  time.Time
}
