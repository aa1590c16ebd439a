package creds

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Tokens issued by the probed backends are verified server-side; locally we
// only need the claims, so signatures are deliberately not checked.
var jwtParser = jwt.NewParser()

func jwtExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwtParser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse jwt: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, errors.New("jwt has no exp claim")
	}
	return exp.Time, nil
}

// JWTEmail extracts the email claim from an id token, checking the standard
// claim and the chatgpt profile namespace.
func JWTEmail(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwtParser.ParseUnverified(token, claims); err != nil {
		return ""
	}
	if email, ok := claims["email"].(string); ok && email != "" {
		return email
	}
	if profile, ok := claims["https://api.openai.com/profile"].(map[string]any); ok {
		if email, ok := profile["email"].(string); ok {
			return email
		}
	}
	return ""
}

// JWTPlan extracts the chatgpt plan type claim from an id token, when
// present.
func JWTPlan(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwtParser.ParseUnverified(token, claims); err != nil {
		return ""
	}
	if auth, ok := claims["https://api.openai.com/auth"].(map[string]any); ok {
		if plan, ok := auth["chatgpt_plan_type"].(string); ok {
			return plan
		}
	}
	return ""
}
