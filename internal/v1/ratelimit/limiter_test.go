package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnLimiter(t *testing.T, formatted string) *ConnLimiter {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	cl, err := NewConnLimiter(formatted, rc)
	require.NoError(t, err)
	return cl
}

func TestNewConnLimiter_MemoryFallback(t *testing.T) {
	cl, err := NewConnLimiter("5-M", nil)
	assert.NoError(t, err)
	assert.NotNil(t, cl)
}

func TestNewConnLimiter_BadFormat(t *testing.T) {
	_, err := NewConnLimiter("lots", nil)
	assert.Error(t, err)
}

func TestCheck_AllowsThenDenies(t *testing.T) {
	cl := newTestConnLimiter(t, "3-M")

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		if !cl.Check(c) {
			return
		}
		c.Status(http.StatusOK)
	})

	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest("GET", "/ws", nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, "3", resp.Header().Get("X-RateLimit-Limit"))
	}

	req, _ := http.NewRequest("GET", "/ws", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.Contains(t, resp.Body.String(), "rate_limited")
}
