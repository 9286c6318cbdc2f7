package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	errMissingSubjectClaim = errors.New("auth: subject claim must be provided")
	// ErrMalformedToken reports an access token that is not a parseable JWT.
	ErrMalformedToken = errors.New("auth: malformed access token")
)

// accessClaims covers the backend's access token payload. Older tokens carry
// the user id in userId instead of sub.
type accessClaims struct {
	UserID any `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

// SubjectFromToken reads the subject of an access token without verifying
// its signature. The backend verifies the token on every request; the
// client only needs the subject to key its stream and resumption state.
func SubjectFromToken(tokenString string) (string, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tokenString), "Bearer "))
	if tokenString == "" {
		return "", ErrMalformedToken
	}
	claims := &accessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if subject := strings.TrimSpace(claims.Subject); subject != "" {
		return subject, nil
	}
	switch value := claims.UserID.(type) {
	case string:
		if subject := strings.TrimSpace(value); subject != "" {
			return subject, nil
		}
	case float64:
		return fmt.Sprintf("%.0f", value), nil
	}
	return "", errMissingSubjectClaim
}
