package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sessions/internal/domain/models"
	"sessions/internal/storage"

	"github.com/mattn/go-sqlite3"
	_ "github.com/mattn/go-sqlite3"
)

type Storage struct {
	db *sql.DB
}

// New opens the SQLite database at storagePath. The schema is managed
// by cmd/migrator; New does not create tables.
func New(storagePath string) (*Storage, error) {
	const op = "storage.sqlite.New"

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on&_loc=UTC", storagePath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) SaveUser(ctx context.Context, user *models.User) error {
	const op = "storage.sqlite.SaveUser"

	stmt, err := s.db.Prepare(
		"INSERT INTO users (id, email, pass_hash, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, user.ID, user.Email, user.PassHash, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%s: %w", op, storage.ErrUserAlreadyExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) User(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.sqlite.User"

	row := s.db.QueryRowContext(ctx,
		"SELECT id, email, pass_hash, email_verified_at, created_at, updated_at FROM users WHERE email = ?",
		email,
	)
	return scanUser(row, op)
}

func (s *Storage) UserByID(ctx context.Context, id string) (*models.User, error) {
	const op = "storage.sqlite.UserByID"

	row := s.db.QueryRowContext(ctx,
		"SELECT id, email, pass_hash, email_verified_at, created_at, updated_at FROM users WHERE id = ?",
		id,
	)
	return scanUser(row, op)
}

func scanUser(row *sql.Row, op string) (*models.User, error) {
	var user models.User
	var verifiedAt sql.NullTime
	err := row.Scan(&user.ID, &user.Email, &user.PassHash, &verifiedAt, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if verifiedAt.Valid {
		user.EmailVerifiedAt = &verifiedAt.Time
	}
	return &user, nil
}

// MarkEmailVerified records the verification instant for a user. Called
// by the account-management collaborator, not by the session flows.
func (s *Storage) MarkEmailVerified(ctx context.Context, id string, now time.Time) error {
	const op = "storage.sqlite.MarkEmailVerified"

	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET email_verified_at = ?, updated_at = ? WHERE id = ?",
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	return nil
}

func (s *Storage) SaveRefreshToken(ctx context.Context, rec *models.RefreshToken) error {
	const op = "storage.sqlite.SaveRefreshToken"

	stmt, err := s.db.Prepare(
		"INSERT INTO refresh_tokens (id, subject_id, token_digest, expires_at, device_info, created_at) VALUES (?, ?, ?, ?, ?, ?)",
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx,
		rec.ID, rec.SubjectID, rec.TokenDigest, rec.ExpiresAt, rec.DeviceInfo, rec.CreatedAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%s: %w", op, storage.ErrDigestExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) RefreshToken(ctx context.Context, digest string) (*models.RefreshToken, error) {
	const op = "storage.sqlite.RefreshToken"

	row := s.db.QueryRowContext(ctx,
		"SELECT id, subject_id, token_digest, expires_at, device_info, created_at, last_used_at FROM refresh_tokens WHERE token_digest = ?",
		digest,
	)

	var rec models.RefreshToken
	var lastUsed sql.NullTime
	err := row.Scan(&rec.ID, &rec.SubjectID, &rec.TokenDigest, &rec.ExpiresAt, &rec.DeviceInfo, &rec.CreatedAt, &lastUsed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if lastUsed.Valid {
		rec.LastUsedAt = &lastUsed.Time
	}
	return &rec, nil
}

// TouchRefreshToken updates last_used_at. Callers treat failures as
// non-fatal; a missing row is not an error here.
func (s *Storage) TouchRefreshToken(ctx context.Context, id string, now time.Time) error {
	const op = "storage.sqlite.TouchRefreshToken"

	_, err := s.db.ExecContext(ctx,
		"UPDATE refresh_tokens SET last_used_at = ? WHERE id = ?",
		now, id,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RevokeRefreshToken deletes one record and reports whether a row was
// actually removed. The single conditional DELETE is the serialization
// point for rotation: of any number of concurrent callers, exactly one
// sees true.
func (s *Storage) RevokeRefreshToken(ctx context.Context, id string) (bool, error) {
	const op = "storage.sqlite.RevokeRefreshToken"

	res, err := s.db.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return affected > 0, nil
}

func (s *Storage) RevokeAllRefreshTokens(ctx context.Context, subjectID string) (int64, error) {
	const op = "storage.sqlite.RevokeAllRefreshTokens"

	res, err := s.db.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE subject_id = ?", subjectID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return affected, nil
}

// DeleteExpiredRefreshTokens removes every record already unusable at
// the given instant. Safe to run concurrently with everything else.
func (s *Storage) DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	const op = "storage.sqlite.DeleteExpiredRefreshTokens"

	res, err := s.db.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE expires_at <= ?", before)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return affected, nil
}

// SessionsBySubject lists a subject's still-valid records, most
// recently used first.
func (s *Storage) SessionsBySubject(ctx context.Context, subjectID string, now time.Time) ([]*models.RefreshToken, error) {
	const op = "storage.sqlite.SessionsBySubject"

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, subject_id, token_digest, expires_at, device_info, created_at, last_used_at FROM refresh_tokens WHERE subject_id = ? AND expires_at > ? ORDER BY last_used_at DESC, created_at DESC",
		subjectID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var recs []*models.RefreshToken
	for rows.Next() {
		var rec models.RefreshToken
		var lastUsed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.SubjectID, &rec.TokenDigest, &rec.ExpiresAt, &rec.DeviceInfo, &rec.CreatedAt, &lastUsed); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if lastUsed.Valid {
			rec.LastUsedAt = &lastUsed.Time
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return recs, nil
}
