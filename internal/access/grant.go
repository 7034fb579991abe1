package access

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// GrantSigner issues signed room-access grants for the external live-session
// transport. The transport verifies the grant; this service never manages
// the session itself.
type GrantSigner struct {
	key []byte
}

// NewGrantSigner constructs a GrantSigner from the shared signing key.
func NewGrantSigner(key string) *GrantSigner {
	return &GrantSigner{key: []byte(key)}
}

// RoomClaims are the claims carried by a room grant.
type RoomClaims struct {
	RoomID string `json:"room"`
	jwt.RegisteredClaims
}

// Sign issues a grant for the user to enter the room until expiry.
func (s *GrantSigner) Sign(userID, roomID string, expiresAt time.Time) (string, error) {
	claims := RoomClaims{
		RoomID: roomID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign room grant: %w", err)
	}
	return token, nil
}

// Parse validates a grant and returns its claims.
func (s *GrantSigner) Parse(token string) (*RoomClaims, error) {
	var claims RoomClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse room grant: %w", err)
	}
	return &claims, nil
}
