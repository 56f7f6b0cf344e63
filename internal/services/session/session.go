package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sessions/internal/domain/models"
	jwtlib "sessions/internal/lib/jwt"
	"sessions/internal/lib/passhash"
	"sessions/internal/lib/sl"
	"sessions/internal/lib/validation"
	"sessions/internal/storage"

	"github.com/google/uuid"
)

// Device labels longer than this are truncated, never rejected.
const maxDeviceInfoLen = 256

var (
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrUserAlreadyExists    = errors.New("user already exists")
	ErrRefreshTokenNotFound = errors.New("invalid refresh token")
	ErrRefreshTokenExpired  = errors.New("refresh token expired")
	ErrInvalidAccessToken   = errors.New("invalid access token")
)

// TokenPair is returned by every successful authentication or refresh.
// RefreshToken is the raw secret, handed to the caller exactly once and
// never persisted in recoverable form.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

type UserSaver interface {
	SaveUser(ctx context.Context, user *models.User) error
}

type UserProvider interface {
	User(ctx context.Context, email string) (*models.User, error)
	UserByID(ctx context.Context, id string) (*models.User, error)
}

type RefreshTokenStore interface {
	SaveRefreshToken(ctx context.Context, rec *models.RefreshToken) error
	RefreshToken(ctx context.Context, digest string) (*models.RefreshToken, error)
	TouchRefreshToken(ctx context.Context, id string, now time.Time) error
	RevokeRefreshToken(ctx context.Context, id string) (bool, error)
	RevokeAllRefreshTokens(ctx context.Context, subjectID string) (int64, error)
	DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error)
	SessionsBySubject(ctx context.Context, subjectID string, now time.Time) ([]*models.RefreshToken, error)
}

type AccessTokenCodec interface {
	Issue(subjectID string, now time.Time) (string, *jwtlib.Claims, error)
	Verify(tokenString string, now time.Time) (*jwtlib.Claims, error)
}

// Service orchestrates the credential and session lifecycle: sign-up,
// sign-in, refresh-with-rotation, logout, logout-all and cleanup. It is
// stateless between calls; all shared state lives in the stores, so one
// Service serves any number of concurrent requests and instances.
type Service struct {
	logger        *slog.Logger
	userSaver     UserSaver
	userProvider  UserProvider
	tokenStore    RefreshTokenStore
	codec         AccessTokenCodec
	refreshTTL    time.Duration
	refreshPepper string
	cleanupChance int
	now           func() time.Time
}

// New returns a new session service. cleanupChance is the 1-in-N
// probability of piggybacking an async cleanup on a successful call;
// zero disables piggybacking. A nil clock defaults to time.Now.
func New(
	logger *slog.Logger,
	userSaver UserSaver,
	userProvider UserProvider,
	tokenStore RefreshTokenStore,
	codec AccessTokenCodec,
	refreshTTL time.Duration,
	refreshPepper string,
	cleanupChance int,
	clock func() time.Time,
) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		logger:        logger,
		userSaver:     userSaver,
		userProvider:  userProvider,
		tokenStore:    tokenStore,
		codec:         codec,
		refreshTTL:    refreshTTL,
		refreshPepper: refreshPepper,
		cleanupChance: cleanupChance,
		now:           clock,
	}
}

// SignUp validates the input, creates the subject and opens its first
// session.
func (s *Service) SignUp(ctx context.Context, email, password, deviceInfo string) (*TokenPair, error) {
	const op = "session.SignUp"
	log := s.logger.With(slog.String("op", op))

	if err := validation.Email(email); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := validation.Password(password); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	passHash, err := passhash.HashPassword(password)
	if err != nil {
		log.Error("failed to hash password", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	now := s.now()
	user := &models.User{
		ID:        uuid.NewString(),
		Email:     email,
		PassHash:  passHash,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.userSaver.SaveUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrUserAlreadyExists) {
			log.Warn("user already exists")
			return nil, fmt.Errorf("%s: %w", op, ErrUserAlreadyExists)
		}
		log.Error("failed to save user", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	pair, _, err := s.createSession(ctx, user.ID, deviceInfo, now)
	if err != nil {
		log.Error("failed to create session", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user signed up", slog.String("subjectID", user.ID))
	s.maybeCleanup()

	return pair, nil
}

// SignIn authenticates the subject and opens a new session. Unknown
// email and wrong password are indistinguishable to the caller.
func (s *Service) SignIn(ctx context.Context, email, password, deviceInfo string) (*TokenPair, error) {
	const op = "session.SignIn"
	log := s.logger.With(slog.String("op", op))

	user, err := s.userProvider.User(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("user not found")
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		log.Error("failed to get user", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if !passhash.VerifyPassword(password, user.PassHash) {
		log.Warn("invalid password", slog.String("subjectID", user.ID))
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	pair, _, err := s.createSession(ctx, user.ID, deviceInfo, s.now())
	if err != nil {
		log.Error("failed to create session", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user signed in", slog.String("subjectID", user.ID))
	s.maybeCleanup()

	return pair, nil
}

// Refresh exchanges a valid refresh secret for a fresh token pair,
// rotating the refresh token: the presented secret is spent whether or
// not the caller wins the race to use it. An expired record is deleted
// as a side effect of the failed attempt.
func (s *Service) Refresh(ctx context.Context, rawSecret string) (*TokenPair, error) {
	const op = "session.Refresh"
	log := s.logger.With(slog.String("op", op))

	digest := s.digest(rawSecret)
	now := s.now()

	rec, err := s.tokenStore.RefreshToken(ctx, digest)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			// Never issued, revoked, or rotated away. A rotated-away
			// secret showing up again is the observable signal of
			// token theft, but the caller sees the same answer for
			// all three cases.
			log.Warn("refresh token not found", slog.String("digest_prefix", digestPrefix(digest)))
			return nil, fmt.Errorf("%s: %w", op, ErrRefreshTokenNotFound)
		}
		log.Error("failed to look up refresh token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if !rec.ExpiresAt.After(now) {
		if _, err := s.tokenStore.RevokeRefreshToken(ctx, rec.ID); err != nil {
			log.Warn("failed to delete expired refresh token", sl.Err(err))
		}
		log.Warn("refresh token expired", slog.String("subjectID", rec.SubjectID))
		return nil, fmt.Errorf("%s: %w", op, ErrRefreshTokenExpired)
	}

	revoked, err := s.tokenStore.RevokeRefreshToken(ctx, rec.ID)
	if err != nil {
		log.Error("failed to revoke refresh token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !revoked {
		// Lost the rotation race: a concurrent call spent this record
		// between our lookup and delete.
		log.Warn("refresh token already rotated", slog.String("digest_prefix", digestPrefix(digest)))
		return nil, fmt.Errorf("%s: %w", op, ErrRefreshTokenNotFound)
	}

	pair, newRec, err := s.createSession(ctx, rec.SubjectID, rec.DeviceInfo, now)
	if err != nil {
		log.Error("failed to rotate refresh token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := s.tokenStore.TouchRefreshToken(ctx, newRec.ID, now); err != nil {
		log.Warn("failed to touch refresh token", sl.Err(err))
	}

	log.Info("tokens refreshed", slog.String("subjectID", rec.SubjectID))
	s.maybeCleanup()

	return pair, nil
}

// Logout revokes the session identified by rawSecret. Idempotent: an
// unknown or already-revoked secret is a successful no-op.
func (s *Service) Logout(ctx context.Context, rawSecret string) error {
	const op = "session.Logout"
	log := s.logger.With(slog.String("op", op))

	rec, err := s.tokenStore.RefreshToken(ctx, s.digest(rawSecret))
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil
		}
		log.Error("failed to look up refresh token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	if _, err := s.tokenStore.RevokeRefreshToken(ctx, rec.ID); err != nil {
		log.Error("failed to revoke refresh token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user logged out", slog.String("subjectID", rec.SubjectID))
	return nil
}

// LogoutAllDevices revokes every session of the subject identified by a
// verified access token. The subject is never taken from client input,
// so one user cannot revoke another's sessions.
func (s *Service) LogoutAllDevices(ctx context.Context, accessToken string) (int64, error) {
	const op = "session.LogoutAllDevices"
	log := s.logger.With(slog.String("op", op))

	claims, err := s.codec.Verify(accessToken, s.now())
	if err != nil {
		log.Warn("invalid access token", sl.Err(err))
		return 0, fmt.Errorf("%s: %w", op, ErrInvalidAccessToken)
	}

	count, err := s.tokenStore.RevokeAllRefreshTokens(ctx, claims.Subject)
	if err != nil {
		log.Error("failed to revoke refresh tokens", sl.Err(err))
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("all devices logged out",
		slog.String("subjectID", claims.Subject),
		slog.Int64("revoked", count),
	)
	return count, nil
}

// Sessions lists the active sessions of the subject identified by a
// verified access token, most recently used first.
func (s *Service) Sessions(ctx context.Context, accessToken string) ([]*models.Session, error) {
	const op = "session.Sessions"
	log := s.logger.With(slog.String("op", op))

	now := s.now()
	claims, err := s.codec.Verify(accessToken, now)
	if err != nil {
		log.Warn("invalid access token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidAccessToken)
	}

	recs, err := s.tokenStore.SessionsBySubject(ctx, claims.Subject, now)
	if err != nil {
		log.Error("failed to list sessions", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	sessions := make([]*models.Session, 0, len(recs))
	for _, rec := range recs {
		sessions = append(sessions, &models.Session{
			ID:         rec.ID,
			DeviceInfo: rec.DeviceInfo,
			CreatedAt:  rec.CreatedAt,
			LastUsedAt: rec.LastUsedAt,
			ExpiresAt:  rec.ExpiresAt,
		})
	}
	return sessions, nil
}

// CleanupExpired deletes every refresh-token record already expired.
// Storage hygiene only: validation rejects expired records on its own.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	const op = "session.CleanupExpired"

	count, err := s.tokenStore.DeleteExpiredRefreshTokens(ctx, s.now())
	if err != nil {
		s.logger.Error("failed to delete expired refresh tokens",
			slog.String("op", op), sl.Err(err))
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if count > 0 {
		s.logger.Debug("expired refresh tokens deleted",
			slog.String("op", op), slog.Int64("count", count))
	}
	return count, nil
}

// createSession issues an access token, then persists a new refresh
// record. Ordering matters: signing is pure CPU, so a storage failure
// leaves nothing behind and a returned pair always has a durable
// record. A digest collision is retried once with a fresh secret.
func (s *Service) createSession(ctx context.Context, subjectID, deviceInfo string, now time.Time) (*TokenPair, *models.RefreshToken, error) {
	accessToken, _, err := s.codec.Issue(subjectID, now)
	if err != nil {
		return nil, nil, err
	}

	deviceInfo = truncateDeviceInfo(deviceInfo)

	for attempt := 0; attempt < 2; attempt++ {
		rawSecret, err := generateRefreshSecret()
		if err != nil {
			return nil, nil, err
		}

		rec := &models.RefreshToken{
			ID:          uuid.NewString(),
			SubjectID:   subjectID,
			TokenDigest: s.digest(rawSecret),
			ExpiresAt:   now.Add(s.refreshTTL),
			DeviceInfo:  deviceInfo,
			CreatedAt:   now,
		}

		err = s.tokenStore.SaveRefreshToken(ctx, rec)
		if errors.Is(err, storage.ErrDigestExists) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		return &TokenPair{AccessToken: accessToken, RefreshToken: rawSecret}, rec, nil
	}

	return nil, nil, storage.ErrDigestExists
}

// digest computes the peppered SHA-256 digest under which a raw secret
// is stored. Deterministic and non-reversible; fast on purpose, since
// the secret already carries 256 bits of entropy.
func (s *Service) digest(rawSecret string) string {
	h := sha256.New()
	h.Write([]byte(rawSecret + s.refreshPepper))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// generateRefreshSecret returns a cryptographically secure 256-bit raw
// secret.
func generateRefreshSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

func truncateDeviceInfo(deviceInfo string) string {
	runes := []rune(deviceInfo)
	if len(runes) <= maxDeviceInfoLen {
		return deviceInfo
	}
	return string(runes[:maxDeviceInfoLen])
}

func digestPrefix(digest string) string {
	if len(digest) < 8 {
		return digest
	}
	return digest[:8]
}
