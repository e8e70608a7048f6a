package middleware

import (
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"relief-inventory-api/internal/models"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimitType defines the type of rate limiting
type RateLimitType string

const (
	RateLimitTypeIP     RateLimitType = "ip"
	RateLimitTypeGlobal RateLimitType = "global"
	RateLimitTypeBoth   RateLimitType = "both"
)

// idleLimiterTTL is how long an unused per-IP limiter is kept.
const idleLimiterTTL = 3 * time.Minute

// RateLimitConfig holds rate limiting configuration. Burst defaults to the
// per-minute limit.
type RateLimitConfig struct {
	Enabled                bool
	Type                   RateLimitType
	RequestsPerMinute      int
	Burst                  int
	AdminRequestsPerMinute int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	burst    int
	lastSeen time.Time
}

// RateLimiter keeps token buckets per client IP and, depending on the type,
// one shared bucket. Admin routes draw from separate buckets.
type RateLimiter struct {
	config        RateLimitConfig
	ipLimits      map[string]*limiterEntry
	globalLimits  map[bool]*limiterEntry
	mutex         sync.Mutex
	now           func() time.Time
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

// RateLimitInfo contains rate limit information for response headers
type RateLimitInfo struct {
	Limit     int
	Remaining int
	ResetTime time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		config:       config,
		ipLimits:     make(map[string]*limiterEntry),
		globalLimits: make(map[bool]*limiterEntry),
		now:          time.Now,
		stopCleanup:  make(chan struct{}),
	}

	rl.cleanupTicker = time.NewTicker(time.Minute)
	go rl.cleanupExpiredEntries()

	zap.L().Info("Rate limiter initialized",
		zap.Bool("enabled", config.Enabled),
		zap.String("type", string(config.Type)),
		zap.Int("requests_per_minute", config.RequestsPerMinute),
		zap.Int("burst", config.Burst),
		zap.Int("admin_requests_per_minute", config.AdminRequestsPerMinute))

	return rl
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		rl.cleanupTicker.Stop()
		close(rl.stopCleanup)
	})
}

func (rl *RateLimiter) cleanupExpiredEntries() {
	for {
		select {
		case <-rl.cleanupTicker.C:
			rl.dropIdle(rl.now())
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *RateLimiter) dropIdle(now time.Time) int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	removed := 0
	for key, entry := range rl.ipLimits {
		if now.Sub(entry.lastSeen) > idleLimiterTTL {
			delete(rl.ipLimits, key)
			removed++
		}
	}
	return removed
}

// IsAllowed checks if a request is allowed based on rate limiting rules
func (rl *RateLimiter) IsAllowed(clientIP string, isAdmin bool) (bool, *RateLimitInfo) {
	if !rl.config.Enabled {
		return true, &RateLimitInfo{Limit: -1, Remaining: -1}
	}

	limit := rl.config.RequestsPerMinute
	if isAdmin && rl.config.AdminRequestsPerMinute > 0 {
		limit = rl.config.AdminRequestsPerMinute
	}
	burst := rl.config.Burst
	if burst <= 0 || isAdmin {
		burst = limit
	}

	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	now := rl.now()

	var buckets []*limiterEntry
	if rl.config.Type == RateLimitTypeIP || rl.config.Type == RateLimitTypeBoth {
		key := clientIP
		if isAdmin {
			key = "admin|" + clientIP
		}
		buckets = append(buckets, rl.bucketLocked(rl.ipLimits, key, limit, burst, now))
	}
	if rl.config.Type == RateLimitTypeGlobal || rl.config.Type == RateLimitTypeBoth {
		entry, ok := rl.globalLimits[isAdmin]
		if !ok {
			entry = &limiterEntry{limiter: newLimiter(limit, burst), burst: burst}
			rl.globalLimits[isAdmin] = entry
		}
		entry.lastSeen = now
		buckets = append(buckets, entry)
	}

	// Every bucket must have a token before any is consumed.
	for _, b := range buckets {
		if b.limiter.TokensAt(now) < 1 {
			return false, rl.infoLocked(buckets, limit, now)
		}
	}
	for _, b := range buckets {
		b.limiter.AllowN(now, 1)
	}
	return true, rl.infoLocked(buckets, limit, now)
}

func (rl *RateLimiter) bucketLocked(m map[string]*limiterEntry, key string, limit, burst int, now time.Time) *limiterEntry {
	entry, ok := m[key]
	if !ok {
		entry = &limiterEntry{limiter: newLimiter(limit, burst), burst: burst}
		m[key] = entry
	}
	entry.lastSeen = now
	return entry
}

// infoLocked reports the most restrictive bucket.
func (rl *RateLimiter) infoLocked(buckets []*limiterEntry, limit int, now time.Time) *RateLimitInfo {
	info := &RateLimitInfo{Limit: limit, Remaining: math.MaxInt}
	for _, b := range buckets {
		tokens := b.limiter.TokensAt(now)
		remaining := int(math.Floor(math.Max(0, tokens)))
		if remaining < info.Remaining {
			info.Remaining = remaining
			refill := (float64(b.burst) - tokens) / float64(b.limiter.Limit())
			info.ResetTime = now.Add(time.Duration(refill * float64(time.Second)))
		}
	}
	return info
}

func newLimiter(perMinute, burst int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60), burst)
}

// RateLimitMiddleware creates a rate limiting middleware using an existing rate limiter
func RateLimitMiddleware(rateLimiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := getClientIP(r)
			isAdmin := strings.HasPrefix(r.URL.Path, "/v1/admin")

			allowed, info := rateLimiter.IsAllowed(clientIP, isAdmin)
			setRateLimitHeaders(w, info)

			if !allowed {
				zap.L().Warn("Rate limit exceeded",
					zap.String("client_ip", clientIP),
					zap.String("path", r.URL.Path),
					zap.String("method", r.Method),
					zap.Bool("is_admin", isAdmin),
					zap.Int("limit", info.Limit),
					zap.Time("reset_time", info.ResetTime))
				writeRateLimitErrorResponse(w, info)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// getClientIP extracts the client IP address from the request
func getClientIP(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs, take the first one
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(ip) != nil {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if net.ParseIP(xri) != nil {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func setRateLimitHeaders(w http.ResponseWriter, info *RateLimitInfo) {
	if info.Limit < 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	if !info.ResetTime.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
	}
}

// writeRateLimitErrorResponse answers 429. A token refills every
// 60/limit seconds.
func writeRateLimitErrorResponse(w http.ResponseWriter, info *RateLimitInfo) {
	retryAfter := int(math.Ceil(60 / float64(max(info.Limit, 1))))

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(models.ErrorResponse{
		Code:    "rate_limit_exceeded",
		Message: "Rate limit exceeded. Please try again later.",
		Details: []models.ErrorDetail{
			{Field: "rate_limit", Issue: fmt.Sprintf("Exceeded %d requests per minute", info.Limit)},
			{Field: "retry_after", Issue: fmt.Sprintf("Retry after %d seconds", retryAfter)},
		},
	})
}
