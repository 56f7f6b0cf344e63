package passhash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerify(t *testing.T) {
	hash, err := HashPassword("Sup3r-secret-pass!")
	require.NoError(t, err)
	require.NotEmpty(t, hash)
	assert.NotContains(t, string(hash), "Sup3r-secret-pass!")

	assert.True(t, VerifyPassword("Sup3r-secret-pass!", hash))
	assert.False(t, VerifyPassword("wrong-password", hash))
	assert.False(t, VerifyPassword("", hash))
}

func TestHashIsSalted(t *testing.T) {
	h1, err := HashPassword("Sup3r-secret-pass!")
	require.NoError(t, err)
	h2, err := HashPassword("Sup3r-secret-pass!")
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}
