package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const adminTokenTTL = 15 * time.Minute

// GenerateAdminJWT mints a short-lived admin session token. The caller has
// already proven possession of the backdoor secret.
func GenerateAdminJWT(secret []byte) (string, int64, error) {
	expiresAt := time.Now().Add(adminTokenTTL).Unix()
	claims := jwt.MapClaims{
		"sub":   "hermes-admin",
		"scope": "admin",
		"exp":   expiresAt,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", 0, err
	}
	return signed, expiresAt, nil
}

// ValidateAdminJWT checks a presented admin session token.
func ValidateAdminJWT(tokenString string, secret []byte) error {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil {
		return err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return errors.New("invalid token")
	}
	if scope, _ := claims["scope"].(string); scope != "admin" {
		return errors.New("token lacks admin scope")
	}
	return nil
}
