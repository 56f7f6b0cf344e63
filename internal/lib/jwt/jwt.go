package jwt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid access token")
	ErrTokenExpired = errors.New("access token expired")
)

// Claims carried by an access token. Validity is a function of the
// signature and the clock only; nothing here is ever looked up in
// storage, which is why access tokens stay short-lived.
type Claims struct {
	jwt.RegisteredClaims
}

// Codec signs and verifies access tokens with a process-wide HS256
// secret. The secret is read-only after construction, so a single Codec
// is safe for unbounded concurrent use.
type Codec struct {
	secret    []byte
	issuer    string
	accessTTL time.Duration
}

// NewCodec returns a codec issuing tokens for the given issuer with the
// given lifetime.
func NewCodec(secret, issuer string, accessTTL time.Duration) *Codec {
	return &Codec{
		secret:    []byte(secret),
		issuer:    issuer,
		accessTTL: accessTTL,
	}
}

// Issue builds and signs an access token for subjectID with iat=now and
// a fresh jti.
func (c *Codec) Issue(subjectID string, now time.Time) (string, *Claims, error) {
	const op = "jwt.Issue"

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   subjectID,
			Audience:  jwt.ClaimStrings{c.issuer},
			ExpiresAt: jwt.NewNumericDate(now.Add(c.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", op, err)
	}

	return signed, claims, nil
}

// Verify parses tokenString, checks the signature and that the token is
// not expired at now, and returns the claims. A "Bearer " prefix is
// stripped if present. Expiry is inclusive: a token whose exp equals
// now is already expired.
func (c *Codec) Verify(tokenString string, now time.Time) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
