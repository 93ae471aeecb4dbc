// internal/utils/jwt.go
package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/javajoker/imi-licensing/internal/models"
)

const tokenIssuer = "imi-licensing"

type JWTClaims struct {
	UserID            string `json:"user_id"`
	UserType          string `json:"user_type"`
	VerificationLevel string `json:"verification_level,omitempty"`
	jwt.RegisteredClaims
}

var jwtSecret = []byte("your-secret-key-change-in-production")

func SetJWTSecret(secret string) {
	jwtSecret = []byte(secret)
}

// GenerateJWT signs an access token for actor valid for ttl from now.
func GenerateJWT(actor models.Actor, verificationLevel string, now time.Time, ttl time.Duration) (string, error) {
	claims := JWTClaims{
		UserID:            actor.ID.String(),
		UserType:          string(actor.Role),
		VerificationLevel: verificationLevel,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   actor.ID.String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

func ValidateJWT(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return jwtSecret, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}

// Actor resolves the claims into a models.Actor.
func (c *JWTClaims) Actor() (models.Actor, error) {
	id, err := uuid.Parse(c.UserID)
	if err != nil {
		return models.Actor{}, err
	}
	role, err := models.ParseActorRole(c.UserType)
	if err != nil {
		return models.Actor{}, err
	}
	if role == models.ActorRoleSystem {
		return models.Actor{}, errors.New("system role cannot be issued to callers")
	}
	return models.Actor{ID: id, Role: role}, nil
}

// IsExpired reports whether err came from an expired token.
func IsExpired(err error) bool {
	var validationErr *jwt.ValidationError
	return errors.As(err, &validationErr) && validationErr.Errors&jwt.ValidationErrorExpired != 0
}
