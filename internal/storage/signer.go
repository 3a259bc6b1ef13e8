package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"formkeep/internal/fk"
)

// ErrInvalidToken is returned when a signed-URL token does not grant access
// to the requested object.
var ErrInvalidToken = errors.New("invalid or expired token")

// objectClaims binds a token to one canonical path.
type objectClaims struct {
	jwt.RegisteredClaims
	Bucket string `json:"bucket"`
}

// Signer issues and verifies the tokens carried by object/sign URLs of the
// local backends.
type Signer struct {
	secret []byte
	bucket string
	clock  fk.Clock
}

// NewSigner creates a Signer. A nil clock uses the real time.
func NewSigner(secret, bucket string, clock fk.Clock) (*Signer, error) {
	if secret == "" {
		return nil, fmt.Errorf("signing secret required")
	}
	if clock == nil {
		clock = fk.RealClock{}
	}
	return &Signer{secret: []byte(secret), bucket: bucket, clock: clock}, nil
}

// Sign returns a token granting read access to path for ttl.
func (s *Signer) Sign(path string, ttl time.Duration) (string, error) {
	now := s.clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, objectClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   path,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Bucket: s.bucket,
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks that token grants access to path right now.
func (s *Signer) Verify(token, path string) error {
	claims := &objectClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.clock.Now))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return ErrInvalidToken
	}
	if claims.Subject != path || claims.Bucket != s.bucket {
		return fmt.Errorf("%w: token is for another object", ErrInvalidToken)
	}
	return nil
}
