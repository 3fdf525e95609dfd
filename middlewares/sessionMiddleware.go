package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/costledger_backend/config"
	"github.com/mmdatafocus/costledger_backend/utils"
)

const (
	HeaderProgramId     = "x-program-id"
	HeaderCorrelationId = "x-correlation-id"
	HeaderToken         = "token"
)

// SessionUser is the value stored under "Session:<token>" by the auth service.
type SessionUser struct {
	UserId   int    `json:"user_id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	IsAdmin  bool   `json:"is_admin"`
}

// CorrelationMiddleware attaches the caller's correlation id, or a fresh one.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader(HeaderCorrelationId)
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header(HeaderCorrelationId, cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	}
}

// SessionMiddleware scopes the request to a program and, when a token is
// sent, resolves the session user from Redis.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if programId := strings.TrimSpace(c.GetHeader(HeaderProgramId)); programId != "" {
			ctx = utils.SetProgramIdInContext(ctx, programId)
		}

		token := c.GetHeader(HeaderToken)
		if token == "" {
			c.Request = c.Request.WithContext(ctx)
			c.Next()
			return
		}
		var user SessionUser
		exists, err := config.GetRedisObject(ctx, "Session:"+token, &user)
		if err != nil || !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		name := user.Name
		if name == "" {
			name = user.Username
		}
		ctx = utils.SetUserIdInContext(ctx, user.UserId)
		ctx = utils.SetUserNameInContext(ctx, name)
		c.Set(sessionUserKey, &user)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

const sessionUserKey = "session_user"

// RequireProgram rejects requests that reached a program-scoped route
// without an x-program-id header.
func RequireProgram() gin.HandlerFunc {
	return func(c *gin.Context) {
		if programId, ok := utils.GetProgramIdFromContext(c.Request.Context()); !ok || programId == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": HeaderProgramId + " header is required"})
			return
		}
		c.Next()
	}
}

// RequireAdmin allows only sessions flagged as admin.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Get(sessionUserKey)
		user, _ := v.(*SessionUser)
		if !ok || user == nil || !user.IsAdmin {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
