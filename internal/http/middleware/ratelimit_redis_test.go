package middleware

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func TestRateLimitFailsOpenWithoutRedis(t *testing.T) {
	gin.SetMode(gin.TestMode)
	for name, l := range map[string]*RateLimiter{"nil": nil, "no addr": NewRedisRateLimiter("", "", 0)} {
		r := gin.New()
		r.GET("/test", l.PerClient(1, time.Minute), func(c *gin.Context) {
			c.JSON(200, gin.H{"ok": true})
		})
		for i := 0; i < 3; i++ {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
			if w.Code != 200 {
				t.Fatalf("%s: request %d got %d", name, i, w.Code)
			}
		}
	}
}

// Integration-style test: runs only if REDIS_ADDR env is set.
func TestRedisRateLimitIntegration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set; skipping integration test")
	}
	pass := os.Getenv("REDIS_PASSWORD")
	db := 0
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			db = n
		}
	}

	l := NewRedisRateLimiter(addr, pass, db)
	defer l.Close()
	if !l.Enabled() {
		t.Fatal("expected redis limiter to be enabled")
	}

	// small window for test
	w := 2 * time.Second
	max := 2

	r := gin.New()
	r.POST("/merchants/:merchantId/transactions", l.PerMerchant(max, w), func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	srv := httptest.NewServer(r)
	defer srv.Close()

	client := &http.Client{}
	merchant := "rl-" + uuid.NewString()
	url := srv.URL + "/merchants/" + merchant + "/transactions"

	// do max allowed requests
	for i := 0; i < max; i++ {
		res, err := client.Post(url, "application/json", nil)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		res.Body.Close()
		if res.StatusCode != 200 {
			t.Fatalf("expected 200 got %d", res.StatusCode)
		}
	}

	// next request should be blocked
	res, err := client.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != 429 {
		t.Fatalf("expected 429 got %d", res.StatusCode)
	}

	// another merchant has its own window
	res, err = client.Post(srv.URL+"/merchants/other-"+merchant+"/transactions", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != 200 {
		t.Fatalf("expected 200 for another merchant got %d", res.StatusCode)
	}
}
