package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessClaims holds the JWT claims for an access token minted by the external REST tier.
type AccessClaims struct {
	jwt.RegisteredClaims
}

// Identity is the authenticated principal recovered from a validated token.
type Identity struct {
	UserID uuid.UUID
}

// TokenValidator is the Auth collaborator the Gateway consumes (spec §9, "Global state"): the Gateway only validates
// tokens, it never mints them. Implementations may perform I/O (a revocation check, a remote JWKS fetch); callers
// should treat Validate as blocking.
type TokenValidator interface {
	Validate(tokenStr string) (Identity, error)
}

// JWTValidator validates HS256 access tokens signed by the REST tier.
type JWTValidator struct {
	secret string
	issuer string
}

// NewJWTValidator creates a validator bound to the shared signing secret and expected issuer. issuer may be empty to
// skip the issuer check (useful in single-environment deployments).
func NewJWTValidator(secret, issuer string) *JWTValidator {
	return &JWTValidator{secret: secret, issuer: issuer}
}

// Validate parses and validates a JWT access token string, enforcing HMAC signing and the configured issuer.
func (v *JWTValidator) Validate(tokenStr string) (Identity, error) {
	claims := &AccessClaims{}

	var parserOpts []jwt.ParserOption
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(v.secret), nil
	}, parserOpts...)
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	return Identity{UserID: userID}, nil
}

// NewAccessToken signs a token for the given user. Production token minting belongs to the REST tier; this helper
// exists so tests and local tooling can produce tokens the Gateway will accept.
func NewAccessToken(userID uuid.UUID, secret string, ttl time.Duration, issuer string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("JWT secret must not be empty")
	}

	now := time.Now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}

	return signed, nil
}
