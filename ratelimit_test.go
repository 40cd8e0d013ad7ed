package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter(2)
	now := rl.lastRefill
	assert.True(t, rl.allowAt(now))
	assert.True(t, rl.allowAt(now))
	assert.False(t, rl.allowAt(now))
	assert.True(t, rl.allowAt(now.Add(500*time.Millisecond)))
	assert.False(t, rl.allowAt(now.Add(500*time.Millisecond)))

	assert.True(t, NewRateLimiter(0).Allow(), "zero rate is unlimited")
}

func TestClientRateLimiterWrap(t *testing.T) {
	crl := NewClientRateLimiter(1)
	h := crl.Wrap(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	do := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/control", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusNoContent, do("10.0.0.1:5000"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:5001"), "same client, other port")
	assert.Equal(t, http.StatusNoContent, do("10.0.0.2:5000"))
}
