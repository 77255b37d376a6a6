package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const testIssuer = "https://test.example.com"

func TestJWTValidatorValidate(t *testing.T) {
	t.Parallel()
	userID := uuid.New()
	secret := "test-secret-key-for-jwt"

	tokenStr, err := NewAccessToken(userID, secret, 15*time.Minute, testIssuer)
	if err != nil {
		t.Fatalf("NewAccessToken() error = %v", err)
	}

	identity, err := NewJWTValidator(secret, testIssuer).Validate(tokenStr)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if identity.UserID != userID {
		t.Errorf("UserID = %v, want %v", identity.UserID, userID)
	}
}

func TestNewAccessTokenEmptySecret(t *testing.T) {
	t.Parallel()
	_, err := NewAccessToken(uuid.New(), "", 15*time.Minute, testIssuer)
	if err == nil {
		t.Fatal("NewAccessToken() with empty secret should return error")
	}
}

func TestJWTValidatorValidateExpired(t *testing.T) {
	t.Parallel()
	userID := uuid.New()
	secret := "test-secret"

	now := time.Now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    testIssuer,
			IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-1 * time.Second)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := NewJWTValidator(secret, testIssuer).Validate(tokenStr); err == nil {
		t.Fatal("Validate() with expired token should return error")
	}
}

func TestJWTValidatorValidateWrongSecret(t *testing.T) {
	t.Parallel()
	userID := uuid.New()

	tokenStr, err := NewAccessToken(userID, "correct-secret", 15*time.Minute, testIssuer)
	if err != nil {
		t.Fatalf("NewAccessToken() error = %v", err)
	}

	if _, err := NewJWTValidator("wrong-secret", testIssuer).Validate(tokenStr); err == nil {
		t.Fatal("Validate() with wrong secret should return error")
	}
}

func TestJWTValidatorValidateWrongIssuer(t *testing.T) {
	t.Parallel()
	userID := uuid.New()
	secret := "test-secret"

	tokenStr, err := NewAccessToken(userID, secret, 15*time.Minute, testIssuer)
	if err != nil {
		t.Fatalf("NewAccessToken() error = %v", err)
	}

	if _, err := NewJWTValidator(secret, "https://wrong.example.com").Validate(tokenStr); err == nil {
		t.Fatal("Validate() with wrong issuer should return error")
	}
}

func TestJWTValidatorValidateMalformed(t *testing.T) {
	t.Parallel()
	if _, err := NewJWTValidator("secret", testIssuer).Validate("not.a.valid.jwt"); err == nil {
		t.Fatal("Validate() with malformed token should return error")
	}
}

func TestJWTValidatorValidateNonUUIDSubject(t *testing.T) {
	t.Parallel()
	secret := "test-secret"
	now := time.Now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "not-a-uuid",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := NewJWTValidator(secret, "").Validate(tokenStr); err == nil {
		t.Fatal("Validate() with non-UUID subject should return error")
	}
}
