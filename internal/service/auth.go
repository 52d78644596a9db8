package service

import (
	"crypto/subtle"
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthorized is returned when neither an API key nor a token is accepted.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbiddenUser is returned when a token belongs to another user than the envelope names.
	ErrForbiddenUser = errors.New("token user does not match request user")
)

// Claims represents the JWT claims surfaces present in cloud mode.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
}

// AuthService validates cloud-mode credentials: a shared API key or an
// HMAC-signed bearer token naming the user.
type AuthService struct {
	apiKey    []byte
	jwtSecret []byte
}

// NewAuthService creates a new AuthService. Either credential may be empty,
// which disables that method.
func NewAuthService(apiKey, secret string) *AuthService {
	a := &AuthService{}
	if apiKey != "" {
		a.apiKey = []byte(apiKey)
	}
	if secret != "" {
		a.jwtSecret = []byte(secret)
	}
	return a
}

// ValidateAPIKey reports whether key matches the configured API key.
func (a *AuthService) ValidateAPIKey(key string) bool {
	if len(a.apiKey) == 0 || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), a.apiKey) == 1
}

// ValidateToken validates a JWT token and returns the claims.
func (a *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	if len(a.jwtSecret) == 0 {
		return nil, ErrUnauthorized
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid or expired token")
	}
	if claims.UserID == "" {
		return nil, errors.New("token missing user id")
	}
	return claims, nil
}

// IssueToken signs a token for userID. Operators use it to provision surfaces.
func (a *AuthService) IssueToken(userID string, claims jwt.RegisteredClaims) (string, error) {
	if len(a.jwtSecret) == 0 {
		return "", errors.New("no jwt secret configured")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{RegisteredClaims: claims, UserID: userID})
	return token.SignedString(a.jwtSecret)
}
