package service

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AnyMerchant in the merchant_id claim grants access to every merchant
const AnyMerchant = "*"

var ErrInvalidToken = errors.New("invalid token")

// GenerateMerchantJWT signs an HS256 token scoped to merchantID
func GenerateMerchantJWT(secret []byte, merchantID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"merchant_id": merchantID,
		"exp":         now.Add(ttl).Unix(),
		"iat":         now.Unix(),
		"nbf":         now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParseMerchantJWT validates the token and returns its merchant_id claim
func ParseMerchantJWT(secret []byte, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	merchantID, ok := claims["merchant_id"].(string)
	if !ok || strings.TrimSpace(merchantID) == "" {
		return "", errors.New("merchant_id not found")
	}
	return merchantID, nil
}

// MerchantAllowed reports whether a token scoped to claim may act on merchantID
func MerchantAllowed(claim, merchantID string) bool {
	return claim == AnyMerchant || claim == merchantID
}
