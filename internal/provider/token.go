package provider

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// issuedAtSkew backdates iat so clients with slightly slow clocks accept fresh tokens.
const issuedAtSkew = 60 * time.Second

// TokenSigner mints HS256 credentials with the provider API secret.
type TokenSigner struct {
	secret []byte
	now    func() time.Time
}

func NewTokenSigner(secret string) (*TokenSigner, error) {
	if secret == "" {
		return nil, errors.New("provider api secret is required")
	}
	return &TokenSigner{secret: []byte(secret), now: time.Now}, nil
}

type userClaims struct {
	jwt.RegisteredClaims

	UserID   string   `json:"user_id"`
	CallCIDs []string `json:"call_cids,omitempty"`
}

type serverClaims struct {
	jwt.RegisteredClaims

	Server bool `json:"server"`
}

// UserToken signs a client credential restricted to the given call cids.
// issuedAt and expiry come from the same caller clock; the signer's own clock
// is not consulted.
func (s *TokenSigner) UserToken(userID string, callCIDs []string, issuedAt, expiry time.Time) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	if !expiry.After(issuedAt) {
		return "", errors.New("token expiry must be after issue time")
	}
	claims := userClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issuedAt.Add(-issuedAtSkew)),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
		UserID:   userID,
		CallCIDs: callCIDs,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ServerToken signs the credential used for server-side API calls.
func (s *TokenSigner) ServerToken() (string, error) {
	if s == nil {
		return "", errors.New("token signer is not configured")
	}
	claims := serverClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(s.now().Add(-issuedAtSkew)),
		},
		Server: true,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ParseUserToken verifies a credential minted by UserToken. Used by tests and diagnostics.
func (s *TokenSigner) ParseUserToken(token string) (userID string, callCIDs []string, expiresAt time.Time, err error) {
	var claims userClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if _, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}); err != nil {
		return "", nil, time.Time{}, err
	}
	return claims.UserID, claims.CallCIDs, claims.ExpiresAt.Time, nil
}
