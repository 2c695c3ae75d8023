package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestThrottle_RejectsBeyondBurstPerClient(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Throttle(0.001, 2))
	r.POST("/sync", func(c *gin.Context) { c.Status(http.StatusAccepted) })

	do := func(ip string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/sync", nil)
		req.RemoteAddr = ip + ":1234"
		r.ServeHTTP(w, req)
		return w
	}

	for i := 0; i < 2; i++ {
		if w := do("10.0.0.1"); w.Code != http.StatusAccepted {
			t.Fatalf("request %d: status %d", i, w.Code)
		}
	}
	w := do("10.0.0.1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
	if w := do("10.0.0.2"); w.Code != http.StatusAccepted {
		t.Fatalf("other client throttled: %d", w.Code)
	}
}
