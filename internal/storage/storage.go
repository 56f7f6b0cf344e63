// Package storage declares the errors shared by all storage backends.
package storage

import "errors"

var (
	ErrUserAlreadyExists = errors.New("user already exists")
	ErrUserNotFound      = errors.New("user not found")
	ErrTokenNotFound     = errors.New("refresh token not found")

	// ErrDigestExists signals a unique-index violation on token_digest.
	// With 256-bit secrets this is a generation retry, not a security
	// event.
	ErrDigestExists = errors.New("token digest already exists")
)
