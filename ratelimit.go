package main

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter implements a token bucket rate limiter
// Allows bursts up to maxTokens, refilling at refillRate tokens per second
type RateLimiter struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a limiter allowing rate actions per second.
// A rate of 0 or less always allows.
func NewRateLimiter(rate int) *RateLimiter {
	return &RateLimiter{
		tokens:     float64(rate),
		maxTokens:  float64(rate),
		refillRate: float64(rate),
		lastRefill: time.Now(),
	}
}

// Allow reports whether an action is allowed now
func (rl *RateLimiter) Allow() bool {
	return rl.allowAt(time.Now())
}

func (rl *RateLimiter) allowAt(now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.refillRate <= 0 {
		return true
	}

	elapsed := now.Sub(rl.lastRefill).Seconds()
	if elapsed > 0 {
		rl.tokens += elapsed * rl.refillRate
		if rl.tokens > rl.maxTokens {
			rl.tokens = rl.maxTokens
		}
		rl.lastRefill = now
	}

	if rl.tokens >= 1.0 {
		rl.tokens -= 1.0
		return true
	}
	return false
}

// ClientRateLimiter keeps one limiter per client IP for the control API so
// one client cannot flood the radio with state changes
type ClientRateLimiter struct {
	limiters map[string]*RateLimiter
	rate     int // requests per second per IP
	mu       sync.Mutex
}

func NewClientRateLimiter(rate int) *ClientRateLimiter {
	return &ClientRateLimiter{
		limiters: make(map[string]*RateLimiter),
		rate:     rate,
	}
}

// AllowRequest checks if a request is allowed for the given IP
func (crl *ClientRateLimiter) AllowRequest(ip string) bool {
	if crl.rate <= 0 {
		return true
	}

	crl.mu.Lock()
	limiter, exists := crl.limiters[ip]
	if !exists {
		limiter = NewRateLimiter(crl.rate)
		crl.limiters[ip] = limiter
	}
	crl.mu.Unlock()

	return limiter.Allow()
}

// Cleanup removes limiters for IPs that haven't been used recently
func (crl *ClientRateLimiter) Cleanup() {
	crl.mu.Lock()
	defer crl.mu.Unlock()

	now := time.Now()
	for ip, limiter := range crl.limiters {
		limiter.mu.Lock()
		if now.Sub(limiter.lastRefill) > 10*time.Minute {
			delete(crl.limiters, ip)
		}
		limiter.mu.Unlock()
	}
}

// Wrap rejects requests over the limit with 429
func (crl *ClientRateLimiter) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !crl.AllowRequest(ip) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
