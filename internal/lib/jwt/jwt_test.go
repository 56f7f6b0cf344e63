package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "test-secret"
	testIssuer = "sessions.test"
	accessTTL  = time.Hour
)

func TestIssueAndVerify(t *testing.T) {
	codec := NewCodec(testSecret, testIssuer, accessTTL)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	token, issued, err := codec.Issue("subject-1", now)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := codec.Verify(token, now.Add(30*time.Minute))
	require.NoError(t, err)

	assert.Equal(t, "subject-1", claims.Subject)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, issued.ID, claims.ID)
	assert.NotEmpty(t, claims.ID)
	assert.Equal(t, now.Unix(), claims.IssuedAt.Unix())
	assert.Equal(t, now.Add(accessTTL).Unix(), claims.ExpiresAt.Unix())
}

func TestIssueUniqueJTI(t *testing.T) {
	codec := NewCodec(testSecret, testIssuer, accessTTL)
	now := time.Now()

	_, c1, err := codec.Issue("subject-1", now)
	require.NoError(t, err)
	_, c2, err := codec.Issue("subject-1", now)
	require.NoError(t, err)

	assert.NotEqual(t, c1.ID, c2.ID)
}

func TestVerifyExpired(t *testing.T) {
	codec := NewCodec(testSecret, testIssuer, accessTTL)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	token, _, err := codec.Issue("subject-1", now)
	require.NoError(t, err)

	_, err = codec.Verify(token, now.Add(accessTTL+time.Second))
	assert.ErrorIs(t, err, ErrTokenExpired)

	// exp equal to now is already expired
	_, err = codec.Verify(token, now.Add(accessTTL))
	assert.ErrorIs(t, err, ErrTokenExpired)

	// just inside the window is fine
	_, err = codec.Verify(token, now.Add(accessTTL-time.Second))
	assert.NoError(t, err)
}

func TestVerifyWrongSecret(t *testing.T) {
	now := time.Now()
	token, _, err := NewCodec(testSecret, testIssuer, accessTTL).Issue("subject-1", now)
	require.NoError(t, err)

	_, err = NewCodec("other-secret", testIssuer, accessTTL).Verify(token, now)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyMalformed(t *testing.T) {
	codec := NewCodec(testSecret, testIssuer, accessTTL)

	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		_, err := codec.Verify(token, time.Now())
		assert.ErrorIs(t, err, ErrInvalidToken, "token %q", token)
	}
}

func TestVerifyBearerPrefix(t *testing.T) {
	codec := NewCodec(testSecret, testIssuer, accessTTL)
	now := time.Now()

	token, _, err := codec.Issue("subject-1", now)
	require.NoError(t, err)

	claims, err := codec.Verify("Bearer "+token, now)
	require.NoError(t, err)
	assert.Equal(t, "subject-1", claims.Subject)
}
