// Package paytoken issues and verifies the signed tokens that entitle a user
// to attempt payment for a creator's subscription tier.
package paytoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers malformed, tampered, expired and incomplete tokens.
var ErrInvalidToken = errors.New("invalid token")

const issuer = "subzz"

// Claims carried by a payment token.
type Claims struct {
	UserID    string `json:"user_id"`
	CreatorID string `json:"creator_id"`
	FirstName string `json:"first_name,omitempty"`
	Tier      string `json:"tier,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 payment tokens.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner creates a signer. ttl is the lifetime of issued tokens.
func NewSigner(secret []byte, ttl time.Duration) (*Signer, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("payment token secret must be at least 16 bytes, got %d", len(secret))
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Signer{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for the given user and creator.
func (s *Signer) Issue(userID, creatorID, firstName, tier string) (string, error) {
	if userID == "" || creatorID == "" {
		return "", fmt.Errorf("user_id and creator_id are required")
	}
	now := s.now()
	claims := Claims{
		UserID:    userID,
		CreatorID: creatorID,
		FirstName: firstName,
		Tier:      tier,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, algorithm and expiry, and returns the claims.
// Every failure wraps ErrInvalidToken.
func (s *Signer) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing expiry", ErrInvalidToken)
	}
	if claims.UserID == "" || claims.CreatorID == "" {
		return nil, fmt.Errorf("%w: missing user_id or creator_id", ErrInvalidToken)
	}
	return claims, nil
}
