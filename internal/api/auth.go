package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/kanflow/fleet/internal/common/errors"
)

// Principal identifies the authenticated caller.
type Principal struct {
	Subject string
	IsAdmin bool
}

// AuthFunc is "a function from request to principal or failure", kept
// injectable per the design note rather than baked into the router.
type AuthFunc func(r *http.Request) (Principal, error)

// NewAuthFunc builds the default AuthFunc: static admin key via
// Authorization: Bearer or ?api_key=, OIDC JWT otherwise, or a no-op when
// disabled is true.
func NewAuthFunc(adminKey string, disabled bool, jwtKeyFunc jwt.Keyfunc, audience string) AuthFunc {
	if disabled {
		return func(r *http.Request) (Principal, error) {
			return Principal{Subject: "dev", IsAdmin: true}, nil
		}
	}

	return func(r *http.Request) (Principal, error) {
		token := bearerToken(r)
		if token == "" {
			return Principal{}, errors.Unauthorized("missing bearer token or api_key")
		}

		if adminKey != "" && token == adminKey {
			return Principal{Subject: "admin", IsAdmin: true}, nil
		}

		if jwtKeyFunc == nil {
			return Principal{}, errors.Unauthorized("invalid token")
		}

		claims := jwt.MapClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, jwtKeyFunc)
		if err != nil || !parsed.Valid {
			return Principal{}, errors.Unauthorized("invalid token")
		}
		if audience != "" {
			if !claims.VerifyAudience(audience, true) {
				return Principal{}, errors.Forbidden("token audience mismatch")
			}
		}
		sub, _ := claims.GetSubject()
		return Principal{Subject: sub}, nil
	}
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return r.URL.Query().Get("api_key")
}

// Auth wraps an AuthFunc as gin middleware, storing the resolved Principal
// in the context for handlers to read.
func Auth(authFn AuthFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := authFn(c.Request)
		if err != nil {
			c.Error(err)
			c.Abort()
			return
		}
		c.Set("principal", principal)
		c.Next()
	}
}
