package auth

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/apperr"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/httpx"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/logging"
)

const (
	// ContextKeyUser is the key for storing the authenticated *User in gin context
	ContextKeyUser = "authUser"
	// ContextKeyUserID is the key for storing the authenticated user ID
	ContextKeyUserID = "authUserID"
)

var (
	errAuthRequired      = apperr.New(apperr.KindUnauthorized, "bearer token required. Include 'Authorization: Bearer <token>' header.")
	errSuperuserRequired = apperr.Forbidden("superuser privileges required")
)

// Middleware resolves a bearer token, if present, into the request context.
// Invalid tokens are not rejected here; RequireAuth does that.
func Middleware(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token != "" {
			u, err := s.Authenticate(c.Request.Context(), token)
			if err == nil {
				c.Set(ContextKeyUser, u)
				c.Set(ContextKeyUserID, u.ID)
				ctx := logging.WithLogger(c.Request.Context(), logging.L(c.Request.Context()).With("user_id", u.ID))
				c.Request = c.Request.WithContext(ctx)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without an authenticated user.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := CurrentUser(c); !ok {
			httpx.Error(c, errAuthRequired)
			return
		}
		c.Next()
	}
}

// RequireSuperuser rejects requests from non-superusers.
func RequireSuperuser() gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := CurrentUser(c)
		if !ok {
			httpx.Error(c, errAuthRequired)
			return
		}
		if !u.IsSuperuser {
			httpx.Error(c, errSuperuserRequired)
			return
		}
		c.Next()
	}
}

// CurrentUser returns the authenticated user, if any.
func CurrentUser(c *gin.Context) (*User, bool) {
	v, exists := c.Get(ContextKeyUser)
	if !exists {
		return nil, false
	}
	u, ok := v.(*User)
	return u, ok
}

// UserID returns the authenticated user's ID or "".
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
