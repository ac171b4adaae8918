package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/medrecords-api/internal/model"
	"github.com/jwalitptl/medrecords-api/pkg/errors"
	"github.com/jwalitptl/medrecords-api/pkg/httputil"
)

const ContextSession = "session"

// Authenticator turns a bearer credential into a session.
type Authenticator interface {
	Authenticate(token string) (model.Session, error)
}

type AuthMiddleware struct {
	auth       Authenticator
	cookieName string
}

func NewAuthMiddleware(auth Authenticator, cookieName string) *AuthMiddleware {
	return &AuthMiddleware{auth: auth, cookieName: cookieName}
}

// Token reads the credential from the Authorization header, falling back to
// the session cookie.
func (m *AuthMiddleware) Token(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := c.Cookie(m.cookieName); err == nil {
		return cookie
	}
	return ""
}

// Authenticate attaches the session when a valid credential is present. It
// never rejects; routes that need a session add RequireSession.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := m.Token(c); token != "" {
			if session, err := m.auth.Authenticate(token); err == nil {
				c.Set(ContextSession, session)
			}
		}
		c.Next()
	}
}

// RequireSession rejects requests without a valid credential.
func (m *AuthMiddleware) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := SessionFrom(c); !ok {
			httputil.RespondWithError(c, errors.Unauthorized(nil))
			return
		}
		c.Next()
	}
}

// SessionFrom returns the session set by Authenticate.
func SessionFrom(c *gin.Context) (model.Session, bool) {
	v, ok := c.Get(ContextSession)
	if !ok {
		return nil, false
	}
	session, ok := v.(model.Session)
	return session, ok
}
