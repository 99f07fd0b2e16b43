package utils

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JwtCustomClaim identifies the caller. Subject is the actor id.
type JwtCustomClaim struct {
	Name     string `json:"name"`
	TenantId string `json:"tenant_id"`
	Admin    bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

func (c *JwtCustomClaim) Actor() Actor {
	return Actor{Id: c.Subject, Name: c.Name}
}

func jwtSecret() ([]byte, error) {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return nil, errors.New("JWT_SECRET is not set")
	}
	return []byte(secret), nil
}

// JwtGenerate signs an HS256 token for actor within tenant. Used by ops
// tooling and tests; callers normally bring tokens from the identity provider.
func JwtGenerate(actor Actor, tenantId string, lifespan time.Duration) (string, error) {
	secret, err := jwtSecret()
	if err != nil {
		return "", err
	}
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &JwtCustomClaim{
		Name:     actor.Name,
		TenantId: tenantId,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   actor.Id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifespan)),
		},
	})
	return t.SignedString(secret)
}

func JwtValidate(token string) (*JwtCustomClaim, error) {
	secret, err := jwtSecret()
	if err != nil {
		return nil, err
	}
	claims := &JwtCustomClaim{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" || claims.TenantId == "" {
		return nil, errors.New("token has no subject or tenant")
	}
	return claims, nil
}
