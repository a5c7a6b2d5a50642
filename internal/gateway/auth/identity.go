package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/apperr"
)

// IdentityClaims are the claims the identity provider signs. Subject is the
// account id.
type IdentityClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// Identity is a verified bearer identity.
type Identity struct {
	Subject string
	Email   string
}

// IdentityVerifier validates HS256 identity tokens.
type IdentityVerifier struct {
	secret []byte
	issuer string
}

// NewIdentityVerifier creates a verifier. An empty issuer accepts any iss.
func NewIdentityVerifier(secret, issuer string) *IdentityVerifier {
	return &IdentityVerifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses and validates a signed identity token.
func (v *IdentityVerifier) Verify(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, apperr.ErrUnauthenticated
	}

	token, err := jwt.ParseWithClaims(tokenString, &IdentityClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("identity token expired: %w", apperr.ErrInvalidCredential)
		}
		return nil, fmt.Errorf("identity token: %w", apperr.ErrInvalidCredential)
	}

	claims, ok := token.Claims.(*IdentityClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("identity token: %w", apperr.ErrInvalidCredential)
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return nil, fmt.Errorf("identity token issuer: %w", apperr.ErrInvalidCredential)
	}

	return &Identity{Subject: claims.Subject, Email: claims.Email}, nil
}

// Sign issues a token for subject. The gateway never calls it; it exists
// for tooling and tests that stand in for the identity provider.
func (v *IdentityVerifier) Sign(subject, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := IdentityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: email,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
