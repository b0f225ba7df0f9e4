package signaling

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RelayClaims are carried in the relay token.
type RelayClaims struct {
	jwt.RegisteredClaims
}

// NewToken mints an HS256 relay token for userID valid for ttl.
func NewToken(secret, userID string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("signaling: empty token secret")
	}
	claims := RelayClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates a relay token and returns its subject. Relay test
// doubles use it to authenticate clients.
func ParseToken(secret, token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &RelayClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*RelayClaims)
	if !ok || !parsed.Valid {
		return "", errors.New("signaling: invalid token")
	}
	return claims.Subject, nil
}
