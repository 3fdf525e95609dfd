package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/costledger_backend/utils"
)

func newEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handlers...)
	r.GET("/probe", func(c *gin.Context) {
		programId, _ := utils.GetProgramIdFromContext(c.Request.Context())
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"program_id": programId, "correlation_id": cid})
	})
	return r
}

func TestCorrelationMiddleware(t *testing.T) {
	r := newEngine(CorrelationMiddleware())

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set(HeaderCorrelationId, "cid-42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(HeaderCorrelationId); got != "cid-42" {
		t.Fatalf("echoed correlation id = %q", got)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/probe", nil))
	if got := w.Header().Get(HeaderCorrelationId); len(got) != 36 {
		t.Fatalf("generated correlation id = %q", got)
	}
}

func TestRequireProgram(t *testing.T) {
	r := newEngine(SessionMiddleware(), RequireProgram())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/probe", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("without header: status = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set(HeaderProgramId, " program-a ")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("with header: status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestSessionMiddleware_UnknownTokenIsRejected(t *testing.T) {
	// no Redis connection: no session can be resolved
	r := newEngine(SessionMiddleware())
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set(HeaderToken, "stale-token")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestRateLimiter_PassesWithoutRedis(t *testing.T) {
	limiter := &RateLimiter{Limit: 1, Window: time.Minute}
	r := newEngine(limiter.Middleware())
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/probe", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, w.Code)
		}
	}
}

func TestRateLimitKey(t *testing.T) {
	if got := rateLimitKey(" p1 ", "10.0.0.1"); got != "ratelimit:p1:10.0.0.1" {
		t.Fatalf("key = %q", got)
	}
	if got := rateLimitKey("", "10.0.0.1"); got != "ratelimit:-:10.0.0.1" {
		t.Fatalf("key without program = %q", got)
	}
}
