package passhash

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword returns a bcrypt hash of plain, suitable for storage.
func HashPassword(plain string) ([]byte, error) {
	const op = "passhash.HashPassword"

	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return hash, nil
}

// VerifyPassword reports whether plain matches a hash produced by
// HashPassword.
func VerifyPassword(plain string, hash []byte) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(plain)) == nil
}
