package crypto

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/camber-io/camber/pkg/log"
)

// devJWTSecret is used only when no secret is configured and the process
// explicitly runs in development mode.
const devJWTSecret = "camber-dev-only-jwt-secret"

// TokenIssuer signs and verifies API JWTs
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer builds a token issuer. An empty secret is accepted only in
// development mode and logged at WARN.
func NewTokenIssuer(secret string, development bool) (*TokenIssuer, error) {
	if secret == "" {
		if !development {
			return nil, fmt.Errorf("JWT_SECRET is required outside development")
		}
		log.WithComponent("crypto").Warn().Msg("JWT_SECRET unset, using development fallback secret")
		secret = devJWTSecret
	}
	return &TokenIssuer{secret: []byte(secret)}, nil
}

// Claims carried by Camber-issued JWTs
type Claims struct {
	UserID         string `json:"uid"`
	OrganizationID string `json:"org"`
	jwt.RegisteredClaims
}

// IssueJWT signs a token for the given user and organization
func (t *TokenIssuer) IssueJWT(userID, orgID string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := &Claims{
		UserID:         userID,
		OrganizationID: orgID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "camber",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

// VerifyJWT parses and validates a token, returning its claims
func (t *TokenIssuer) VerifyJWT(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("verify jwt: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// Secret exposes the signing secret for resume-token HMAC signatures
func (t *TokenIssuer) Secret() []byte {
	return t.secret
}
