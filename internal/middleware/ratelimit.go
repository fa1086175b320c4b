package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per client
	RequestsPerSecond float64
	// BurstSize is the number of requests a client may make at once
	BurstSize int
	// CacheSize bounds the number of tracked clients
	CacheSize int
	// TTL is how long an idle client's limiter is remembered
	TTL time.Duration
	// KeyExtractor extracts the key for rate limiting
	KeyExtractor func(*http.Request) string
	// SkipPaths contains paths that should not be rate limited
	SkipPaths []string
}

// DefaultRateLimitConfig returns the default rate limiting configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerSecond: 20,
		BurstSize:         40,
		CacheSize:         10000,
		TTL:               10 * time.Minute,
		KeyExtractor:      IPKeyExtractor,
		SkipPaths:         []string{"/health", "/ready", "/metrics"},
	}
}

// RateLimit returns a per-client token bucket middleware
func RateLimit(requestsPerSecond float64, burst int) func(http.Handler) http.Handler {
	config := DefaultRateLimitConfig()
	config.RequestsPerSecond = requestsPerSecond
	config.BurstSize = burst
	return RateLimitWithConfig(config)
}

// RateLimitWithConfig returns a rate limiting middleware with custom configuration
func RateLimitWithConfig(config *RateLimitConfig) func(http.Handler) http.Handler {
	if config.KeyExtractor == nil {
		config.KeyExtractor = IPKeyExtractor
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 10000
	}

	limiters := expirable.NewLRU[string, *rate.Limiter](config.CacheSize, nil, config.TTL)
	limit := rate.Limit(config.RequestsPerSecond)

	getLimiter := func(key string) *rate.Limiter {
		limiter, ok := limiters.Get(key)
		if !ok {
			limiter = rate.NewLimiter(limit, config.BurstSize)
			limiters.Add(key, limiter)
		}
		return limiter
	}

	skip := make(map[string]struct{}, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			key := config.KeyExtractor(r)
			limiter := getLimiter(key)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.BurstSize))

			reservation := limiter.Reserve()
			if !reservation.OK() || reservation.Delay() > 0 {
				delay := reservation.Delay()
				reservation.Cancel()

				retryAfter := int(math.Ceil(delay.Seconds()))
				if retryAfter < 1 || delay == rate.InfDuration {
					retryAfter = 1
				}

				logrus.WithFields(logrus.Fields{
					"trace_id": GetTraceID(r.Context()),
					"client":   key,
				}).Warn("Rate limit exceeded")

				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeRateLimited(w)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(math.Max(0, limiter.Tokens()))))
			next.ServeHTTP(w, r)
		})
	}
}

// writeRateLimited answers with the same envelope the share API uses
func writeRateLimited(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   "Too many requests. Please slow down.",
	})
}

// TrustedProxies holds additional trusted proxy IPs/CIDRs beyond private networks.
// Private ranges and loopback are always trusted.
var TrustedProxies []string

// privateNetworks contains RFC 1918 private ranges and loopback
var privateNetworks []*net.IPNet

func init() {
	privateCIDRs := []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"::1/128",
		"fc00::/7",
	}
	for _, cidr := range privateCIDRs {
		_, network, _ := net.ParseCIDR(cidr)
		privateNetworks = append(privateNetworks, network)
	}
}

// IPKeyExtractor extracts the client IP. X-Forwarded-For and X-Real-IP are
// honored only when the direct peer is a trusted proxy.
func IPKeyExtractor(r *http.Request) string {
	remoteIP := stripPort(r.RemoteAddr)

	if isTrustedProxy(remoteIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// client, proxy1, proxy2
			parts := strings.SplitN(xff, ",", 2)
			if clientIP := strings.TrimSpace(parts[0]); clientIP != "" {
				return clientIP
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	return remoteIP
}

// stripPort removes the port from "192.168.1.1:12345" or "[::1]:8080"
func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func isTrustedProxy(ip string) bool {
	parsedIP := net.ParseIP(ip)
	if parsedIP != nil {
		for _, network := range privateNetworks {
			if network.Contains(parsedIP) {
				return true
			}
		}
	}

	for _, trusted := range TrustedProxies {
		if strings.Contains(trusted, "/") {
			_, network, err := net.ParseCIDR(trusted)
			if err == nil && parsedIP != nil && network.Contains(parsedIP) {
				return true
			}
		} else if trusted == ip {
			return true
		}
	}
	return false
}
