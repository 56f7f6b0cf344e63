package session

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "sessions/internal/lib/jwt"
	"sessions/internal/lib/validation"
	"sessions/internal/storage/sqlite"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer = "sessions.test"
	testSecret = "test-secret"
	testPepper = "test-pepper"
	accessTTL  = time.Hour
	refreshTTL = 7 * 24 * time.Hour
)

// fakeClock is a mutable time source shared by the service and the
// test. Safe for concurrent reads during the race test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *fakeClock) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sessions.db")

	m, err := migrate.New("file://../../../migrations", "sqlite3://"+path+"?x-no-tx-wrap=true")
	require.NoError(t, err)
	require.NoError(t, m.Up())
	srcErr, dbErr := m.Close()
	require.NoError(t, srcErr)
	require.NoError(t, dbErr)

	store, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := newFakeClock()
	codec := jwtlib.NewCodec(testSecret, testIssuer, accessTTL)
	svc := New(
		slog.New(slog.DiscardHandler),
		store,
		store,
		store,
		codec,
		refreshTTL,
		testPepper,
		0, // no probabilistic cleanup in tests
		clock.Now,
	)
	return svc, clock
}

func randomPassword() string {
	// Prefix guarantees every character class the policy requires.
	return "Aa1!" + gofakeit.Password(true, true, true, true, false, 12)
}

func signUp(t *testing.T, svc *Service, deviceInfo string) (email, password string, pair *TokenPair) {
	t.Helper()

	email = gofakeit.Email()
	password = randomPassword()
	pair, err := svc.SignUp(context.Background(), email, password, deviceInfo)
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	return email, password, pair
}

func TestSignUpCreatesWorkingSession(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	_, _, pair := signUp(t, svc, "deviceA")

	// the access token is self-contained and verifiable
	codec := jwtlib.NewCodec(testSecret, testIssuer, accessTTL)
	claims, err := codec.Verify(pair.AccessToken, clock.Now())
	require.NoError(t, err)
	assert.NotEmpty(t, claims.Subject)
	assert.Equal(t, testIssuer, claims.Issuer)

	// the refresh secret opens the refresh flow
	next, err := svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)
}

func TestSignUpRejectsInvalidInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.SignUp(ctx, "not-an-email", randomPassword(), "")
	assert.ErrorIs(t, err, validation.ErrInvalid)

	email := gofakeit.Email()
	_, err = svc.SignUp(ctx, email, "weak", "")
	assert.ErrorIs(t, err, validation.ErrInvalid)

	// the rejected sign-up left no subject behind
	_, err = svc.SignIn(ctx, email, "weak", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSignUpDuplicateEmail(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	email, _, _ := signUp(t, svc, "")

	_, err := svc.SignUp(ctx, email, randomPassword(), "")
	assert.ErrorIs(t, err, ErrUserAlreadyExists)
}

func TestSignInWrongCredentials(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	email, password, _ := signUp(t, svc, "")

	_, err := svc.SignIn(ctx, "nobody@example.com", password, "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.SignIn(ctx, email, "Wrong-Password-1!", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSignInOpensIndependentSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	email, password, pairA := signUp(t, svc, "deviceA")

	pairB, err := svc.SignIn(ctx, email, password, "deviceB")
	require.NoError(t, err)
	assert.NotEqual(t, pairA.RefreshToken, pairB.RefreshToken)

	// logging out one device leaves the other valid
	require.NoError(t, svc.Logout(ctx, pairA.RefreshToken))

	_, err = svc.Refresh(ctx, pairA.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshTokenNotFound)

	_, err = svc.Refresh(ctx, pairB.RefreshToken)
	assert.NoError(t, err)
}

func TestRefreshRotation(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	_, _, pair := signUp(t, svc, "deviceA")

	clock.Advance(time.Hour)
	next, err := svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, next.AccessToken)
	require.NotEmpty(t, next.RefreshToken)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	// rotation is one-shot: the spent secret never works again
	clock.Advance(time.Hour)
	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshTokenNotFound)

	// while the rotated-in secret does
	_, err = svc.Refresh(ctx, next.RefreshToken)
	assert.NoError(t, err)
}

func TestRefreshUnknownSecret(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Refresh(context.Background(), "never-issued-secret")
	assert.ErrorIs(t, err, ErrRefreshTokenNotFound)
}

func TestRefreshExpired(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	_, _, pair := signUp(t, svc, "")

	clock.Advance(refreshTTL + time.Second)
	_, err := svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshTokenExpired)

	// the expired record was deleted as a side effect of the failed
	// attempt, so a retry cannot even find it
	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshTokenNotFound)
}

func TestRefreshExpiryBoundaryInclusive(t *testing.T) {
	svc, clock := newTestService(t)

	_, _, pair := signUp(t, svc, "")

	clock.Advance(refreshTTL)
	_, err := svc.Refresh(context.Background(), pair.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshTokenExpired)
}

func TestLogoutIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, pair := signUp(t, svc, "")

	require.NoError(t, svc.Logout(ctx, pair.RefreshToken))
	require.NoError(t, svc.Logout(ctx, pair.RefreshToken))
	require.NoError(t, svc.Logout(ctx, "never-issued-secret"))

	_, err := svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshTokenNotFound)
}

func TestLogoutAllDevices(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	email, password, pairA := signUp(t, svc, "deviceA")
	pairB, err := svc.SignIn(ctx, email, password, "deviceB")
	require.NoError(t, err)

	_, _, other := signUp(t, svc, "deviceC")

	count, err := svc.LogoutAllDevices(ctx, pairA.AccessToken)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	_, err = svc.Refresh(ctx, pairA.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshTokenNotFound)
	_, err = svc.Refresh(ctx, pairB.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshTokenNotFound)

	// other subjects are untouched
	_, err = svc.Refresh(ctx, other.RefreshToken)
	assert.NoError(t, err)

	count, err = svc.LogoutAllDevices(ctx, pairA.AccessToken)
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)
}

func TestLogoutAllDevicesRejectsBadToken(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	_, _, pair := signUp(t, svc, "deviceA")

	_, err := svc.LogoutAllDevices(ctx, "garbage-token")
	assert.ErrorIs(t, err, ErrInvalidAccessToken)

	clock.Advance(accessTTL + time.Minute)
	_, err = svc.LogoutAllDevices(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidAccessToken)

	// a failed logout-all revoked nothing
	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.NoError(t, err)
}

func TestSessionsListing(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	longDevice := strings.Repeat("x", 400)
	email, password, pairA := signUp(t, svc, "deviceA")
	pairB, err := svc.SignIn(ctx, email, password, longDevice)
	require.NoError(t, err)

	sessions, err := svc.Sessions(ctx, pairA.AccessToken)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	devices := []string{sessions[0].DeviceInfo, sessions[1].DeviceInfo}
	assert.Contains(t, devices, "deviceA")
	assert.Contains(t, devices, strings.Repeat("x", 256), "overlong device info is truncated")

	require.NoError(t, svc.Logout(ctx, pairB.RefreshToken))

	sessions, err = svc.Sessions(ctx, pairA.AccessToken)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "deviceA", sessions[0].DeviceInfo)
}

func TestRefreshPreservesDeviceInfo(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	_, _, pair := signUp(t, svc, "deviceA")

	clock.Advance(30 * time.Minute)
	next, err := svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)

	sessions, err := svc.Sessions(ctx, next.AccessToken)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "deviceA", sessions[0].DeviceInfo)
	require.NotNil(t, sessions[0].LastUsedAt, "rotation touches the new record")
	assert.Equal(t, clock.Now().Unix(), sessions[0].LastUsedAt.Unix())
}

func TestCleanupExpired(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	signUp(t, svc, "old-device")

	clock.Advance(refreshTTL + time.Hour)
	_, _, fresh := signUp(t, svc, "new-device")

	count, err := svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	// the fresh session survives cleanup
	_, err = svc.Refresh(ctx, fresh.RefreshToken)
	assert.NoError(t, err)

	count, err = svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)
}

func TestRefreshConcurrencySingleWinner(t *testing.T) {
	svc, _ := newTestService(t)

	_, _, pair := signUp(t, svc, "deviceA")

	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)

	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := svc.Refresh(context.Background(), pair.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success := 0
	fail := 0
	for err := range results {
		if err == nil {
			success++
			continue
		}
		if errors.Is(err, ErrRefreshTokenNotFound) {
			fail++
			continue
		}
		t.Fatalf("unexpected refresh error: %v", err)
	}

	if success != 1 {
		t.Fatalf("expected exactly one refresh success, got %d", success)
	}
	if fail != n-1 {
		t.Fatalf("expected %d refresh failures, got %d", n-1, fail)
	}
}
