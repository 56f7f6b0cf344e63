package models

import "time"

// User is the identity anchor. Account management owns the full
// lifecycle; the session service reads ID and PassHash and exposes the
// verification timestamp for its collaborators.
type User struct {
	ID              string
	Email           string
	PassHash        []byte
	EmailVerifiedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
