// Package auth guards the admin API's mutating routes with a shared token.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator checks one presented token.
type Validator interface {
	Validate(token string) error
}

// StaticToken accepts exactly one shared token. An empty Token denies all.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Require rejects requests whose bearer token v does not accept. A nil v
// lets every request through.
func Require(v Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v == nil {
			c.Next()
			return
		}
		token, _ := BearerToken(c.GetHeader("Authorization"))
		if err := v.Validate(token); err != nil {
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

// FromToken returns a StaticToken for token, or nil when token is empty.
func FromToken(token string) Validator {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	return StaticToken{Token: token}
}
