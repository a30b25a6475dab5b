package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"messaging-service/internal/models"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims is the identity carried by a verified token.
type Claims struct {
	UserID      string
	Username    string
	DisplayName string
	Role        models.Role
}

// TokenVerifier validates bearer tokens issued by the platform's identity
// service.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// JWTVerifier checks HMAC-signed JWTs locally against the shared secret.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier constructs a JWTVerifier.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

type tokenClaims struct {
	Username    string `json:"preferred_username"`
	DisplayName string `json:"name"`
	Role        string `json:"role"`
	jwt.RegisteredClaims
}

// Verify parses and validates the token and extracts the identity claims.
func (v *JWTVerifier) Verify(_ context.Context, token string) (Claims, error) {
	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil || !parsed.Valid {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	role := models.Role(claims.Role)
	if !role.Valid() {
		return Claims{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}

	return Claims{
		UserID:      claims.Subject,
		Username:    claims.Username,
		DisplayName: claims.DisplayName,
		Role:        role,
	}, nil
}
