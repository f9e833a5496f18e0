// Package auth guards the admin endpoints that change bridge behavior.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

type Validator interface {
	Validate(token string) error
}

// SharedToken accepts one operator token. An empty token rejects everything.
type SharedToken string

func (s SharedToken) Validate(token string) error {
	if s == "" || subtle.ConstantTimeCompare([]byte(s), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// BearerToken extracts the credential from an "Authorization: Bearer" value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Require aborts with 401 unless the request carries a valid bearer token.
func Require(v Validator, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c.GetHeader("Authorization"))
		if !ok || v.Validate(token) != nil {
			logger.Warn().
				Str("path", c.FullPath()).
				Str("client_ip", c.ClientIP()).
				Bool("token_present", ok).
				Msg("admin request rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthorized.Error()})
			return
		}
		c.Next()
	}
}
