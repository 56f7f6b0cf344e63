package models

import "time"

// RefreshToken is a refresh-token record as stored in the database.
// TokenDigest is a one-way digest of the raw secret; the secret itself
// is never persisted.
type RefreshToken struct {
	ID          string
	SubjectID   string
	TokenDigest string
	ExpiresAt   time.Time
	DeviceInfo  string
	CreatedAt   time.Time
	LastUsedAt  *time.Time
}
