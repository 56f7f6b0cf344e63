package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sessions/internal/domain/models"
	"sessions/internal/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type Storage struct {
	client   *mongo.Client
	database *mongo.Database
	users    *mongo.Collection
	tokens   *mongo.Collection
}

type userDoc struct {
	ID              string     `bson:"_id"`
	Email           string     `bson:"email"`
	PassHash        []byte     `bson:"pass_hash"`
	EmailVerifiedAt *time.Time `bson:"email_verified_at,omitempty"`
	CreatedAt       time.Time  `bson:"created_at"`
	UpdatedAt       time.Time  `bson:"updated_at"`
}

type refreshTokenDoc struct {
	ID          string     `bson:"_id"`
	SubjectID   string     `bson:"subject_id"`
	TokenDigest string     `bson:"token_digest"`
	ExpiresAt   time.Time  `bson:"expires_at"`
	DeviceInfo  string     `bson:"device_info,omitempty"`
	CreatedAt   time.Time  `bson:"created_at"`
	LastUsedAt  *time.Time `bson:"last_used_at,omitempty"`
}

// New creates a new MongoDB storage instance and sets up indexes.
func New(ctx context.Context, uri, database string) (*Storage, error) {
	const op = "storage.mongodb.New"

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", op, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	db := client.Database(database)
	s := &Storage{
		client:   client,
		database: db,
		users:    db.Collection("users"),
		tokens:   db.Collection("refresh_tokens"),
	}

	if err := s.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("%s: indexes: %w", op, err)
	}

	return s, nil
}

// EnsureIndexes creates the indexes the session flows depend on.
// Idempotent; also called by cmd/migrator.
func (s *Storage) EnsureIndexes(ctx context.Context) error {
	// users.email unique
	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("users.email index: %w", err)
	}

	// refresh_tokens.token_digest unique: digest collisions must fail
	// the insert
	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "token_digest", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("refresh_tokens.token_digest index: %w", err)
	}

	// refresh_tokens.subject_id for revoke-all and session listing
	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "subject_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("refresh_tokens.subject_id index: %w", err)
	}

	// refresh_tokens.expires_at TTL index: the server reaps expired
	// rows on its own; validation still checks expiry itself because
	// the TTL monitor only runs periodically
	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("refresh_tokens.expires_at TTL index: %w", err)
	}

	return nil
}

// Close disconnects from MongoDB.
func (s *Storage) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Storage) SaveUser(ctx context.Context, user *models.User) error {
	const op = "storage.mongodb.SaveUser"

	doc := userDoc{
		ID:              user.ID,
		Email:           user.Email,
		PassHash:        user.PassHash,
		EmailVerifiedAt: user.EmailVerifiedAt,
		CreatedAt:       user.CreatedAt,
		UpdatedAt:       user.UpdatedAt,
	}

	if _, err := s.users.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrUserAlreadyExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) User(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.mongodb.User"
	return s.findUser(ctx, op, bson.D{{Key: "email", Value: email}})
}

func (s *Storage) UserByID(ctx context.Context, id string) (*models.User, error) {
	const op = "storage.mongodb.UserByID"
	return s.findUser(ctx, op, bson.D{{Key: "_id", Value: id}})
}

func (s *Storage) findUser(ctx context.Context, op string, filter bson.D) (*models.User, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.User{
		ID:              doc.ID,
		Email:           doc.Email,
		PassHash:        doc.PassHash,
		EmailVerifiedAt: doc.EmailVerifiedAt,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
	}, nil
}

// MarkEmailVerified records the verification instant for a user.
func (s *Storage) MarkEmailVerified(ctx context.Context, id string, now time.Time) error {
	const op = "storage.mongodb.MarkEmailVerified"

	res, err := s.users.UpdateByID(ctx, id, bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "email_verified_at", Value: now},
			{Key: "updated_at", Value: now},
		}},
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	return nil
}

func (s *Storage) SaveRefreshToken(ctx context.Context, rec *models.RefreshToken) error {
	const op = "storage.mongodb.SaveRefreshToken"

	doc := refreshTokenDoc{
		ID:          rec.ID,
		SubjectID:   rec.SubjectID,
		TokenDigest: rec.TokenDigest,
		ExpiresAt:   rec.ExpiresAt,
		DeviceInfo:  rec.DeviceInfo,
		CreatedAt:   rec.CreatedAt,
		LastUsedAt:  rec.LastUsedAt,
	}

	if _, err := s.tokens.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrDigestExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) RefreshToken(ctx context.Context, digest string) (*models.RefreshToken, error) {
	const op = "storage.mongodb.RefreshToken"

	var doc refreshTokenDoc
	err := s.tokens.FindOne(ctx, bson.D{{Key: "token_digest", Value: digest}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return docToRecord(&doc), nil
}

// TouchRefreshToken updates last_used_at. Missing documents are not an
// error; callers treat failures as non-fatal.
func (s *Storage) TouchRefreshToken(ctx context.Context, id string, now time.Time) error {
	const op = "storage.mongodb.TouchRefreshToken"

	_, err := s.tokens.UpdateByID(ctx, id, bson.D{
		{Key: "$set", Value: bson.D{{Key: "last_used_at", Value: now}}},
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RevokeRefreshToken deletes one record and reports whether a document
// was actually removed. DeleteOne's DeletedCount is the serialization
// point for rotation: of any number of concurrent callers, exactly one
// sees true.
func (s *Storage) RevokeRefreshToken(ctx context.Context, id string) (bool, error) {
	const op = "storage.mongodb.RevokeRefreshToken"

	res, err := s.tokens.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return res.DeletedCount > 0, nil
}

func (s *Storage) RevokeAllRefreshTokens(ctx context.Context, subjectID string) (int64, error) {
	const op = "storage.mongodb.RevokeAllRefreshTokens"

	res, err := s.tokens.DeleteMany(ctx, bson.D{{Key: "subject_id", Value: subjectID}})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return res.DeletedCount, nil
}

// DeleteExpiredRefreshTokens removes every record already unusable at
// the given instant. Redundant with the TTL index but keeps the sqlite
// and mongo backends behaviorally identical.
func (s *Storage) DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	const op = "storage.mongodb.DeleteExpiredRefreshTokens"

	res, err := s.tokens.DeleteMany(ctx, bson.D{
		{Key: "expires_at", Value: bson.D{{Key: "$lte", Value: before}}},
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return res.DeletedCount, nil
}

// SessionsBySubject lists a subject's still-valid records, most
// recently used first.
func (s *Storage) SessionsBySubject(ctx context.Context, subjectID string, now time.Time) ([]*models.RefreshToken, error) {
	const op = "storage.mongodb.SessionsBySubject"

	filter := bson.D{
		{Key: "subject_id", Value: subjectID},
		{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: now}}},
	}
	opts := options.Find().SetSort(bson.D{
		{Key: "last_used_at", Value: -1},
		{Key: "created_at", Value: -1},
	})

	cursor, err := s.tokens.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer cursor.Close(ctx)

	var recs []*models.RefreshToken
	for cursor.Next(ctx) {
		var doc refreshTokenDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		recs = append(recs, docToRecord(&doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return recs, nil
}

func docToRecord(doc *refreshTokenDoc) *models.RefreshToken {
	return &models.RefreshToken{
		ID:          doc.ID,
		SubjectID:   doc.SubjectID,
		TokenDigest: doc.TokenDigest,
		ExpiresAt:   doc.ExpiresAt,
		DeviceInfo:  doc.DeviceInfo,
		CreatedAt:   doc.CreatedAt,
		LastUsedAt:  doc.LastUsedAt,
	}
}
