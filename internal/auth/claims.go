package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const TokenTypeAccess TokenType = "access"

// Claims are the only supported JWT claims shape for this service.
// Name and Image are display data carried from the identity provider; only UserID is required.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	Name      string    `json:"name,omitempty"`
	Image     string    `json:"image,omitempty"`
	TokenType TokenType `json:"token_type"`
}

// Identity is the authenticated caller as seen by handlers.
type Identity struct {
	UserID string
	Name   string
	Image  string
}
