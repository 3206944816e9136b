// Package auth issues and verifies the short-lived tokens that let a device
// use the change-notification relay of one family.
package auth

import (
	"errors"
	"time"

	"github.com/dmitrijs2005/podsync/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

const issuer = "podsync-registry"

// Claims carries the family a relay token is scoped to.
type Claims struct {
	jwt.RegisteredClaims
	FamilyID string `json:"fam"`
}

// GenerateToken signs an HS256 relay token for familyID.
func GenerateToken(familyID string, secretKey []byte, validityDuration time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validityDuration)),
		},
		FamilyID: familyID,
	})

	tokenString, err := token.SignedString(secretKey)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

// GetFamilyIDFromToken verifies tokenString and returns the family it is
// scoped to. Expired tokens yield common.ErrTokenExpired, anything else that
// fails verification common.ErrInvalidToken.
func GetFamilyIDFromToken(tokenString string, secretKey []byte) (string, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return secretKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", common.ErrTokenExpired
		}
		return "", common.ErrInvalidToken
	}

	if !token.Valid || claims.FamilyID == "" {
		return "", common.ErrInvalidToken
	}

	return claims.FamilyID, nil
}
