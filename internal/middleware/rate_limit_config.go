package middleware

import (
	"strconv"
	"strings"

	"relief-inventory-api/internal/config"

	"go.uber.org/zap"
)

// ParseRateLimitConfig parses rate limiting configuration from the config struct
func ParseRateLimitConfig(cfg *config.Config) RateLimitConfig {
	rateLimitConfig := RateLimitConfig{
		Enabled:                parseBool(cfg.RateLimitEnabled, true),
		Type:                   parseRateLimitType(cfg.RateLimitType),
		RequestsPerMinute:      parseInt(cfg.RateLimitRequestsPerMinute, 100),
		Burst:                  parseInt(cfg.RateLimitBurst, 0),
		AdminRequestsPerMinute: parseInt(cfg.RateLimitAdminRequestsPerMinute, 50),
	}

	if rateLimitConfig.RequestsPerMinute <= 0 {
		zap.L().Warn("Invalid rate limit requests per minute, using default",
			zap.String("configured", cfg.RateLimitRequestsPerMinute), zap.Int("default", 100))
		rateLimitConfig.RequestsPerMinute = 100
	}
	if rateLimitConfig.Burst < 0 {
		zap.L().Warn("Invalid rate limit burst, using requests per minute",
			zap.String("configured", cfg.RateLimitBurst))
		rateLimitConfig.Burst = 0
	}
	if rateLimitConfig.AdminRequestsPerMinute <= 0 {
		zap.L().Warn("Invalid admin rate limit requests per minute, using default",
			zap.String("configured", cfg.RateLimitAdminRequestsPerMinute), zap.Int("default", 50))
		rateLimitConfig.AdminRequestsPerMinute = 50
	}

	zap.L().Info("Rate limiting configuration parsed",
		zap.Bool("enabled", rateLimitConfig.Enabled),
		zap.String("type", string(rateLimitConfig.Type)),
		zap.Int("requests_per_minute", rateLimitConfig.RequestsPerMinute),
		zap.Int("burst", rateLimitConfig.Burst),
		zap.Int("admin_requests_per_minute", rateLimitConfig.AdminRequestsPerMinute))

	return rateLimitConfig
}

// parseBool parses a string to bool with a default value
func parseBool(value string, defaultValue bool) bool {
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "1", "yes", "on", "enabled":
		return true
	case "false", "0", "no", "off", "disabled":
		return false
	default:
		zap.L().Warn("Invalid boolean value, using default",
			zap.String("value", value), zap.Bool("default", defaultValue))
		return defaultValue
	}
}

// parseInt parses a string to int with a default value
func parseInt(value string, defaultValue int) int {
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		zap.L().Warn("Invalid integer value, using default",
			zap.String("value", value), zap.Int("default", defaultValue), zap.Error(err))
		return defaultValue
	}
	return parsed
}

// parseRateLimitType parses the rate limit type with validation
func parseRateLimitType(value string) RateLimitType {
	switch strings.ToLower(value) {
	case "", "ip":
		return RateLimitTypeIP
	case "global":
		return RateLimitTypeGlobal
	case "both":
		return RateLimitTypeBoth
	default:
		zap.L().Warn("Invalid rate limit type, using default",
			zap.String("value", value), zap.String("default", "ip"))
		return RateLimitTypeIP
	}
}

// GetRateLimitStats returns current rate limiting statistics
func (rl *RateLimiter) GetRateLimitStats() map[string]interface{} {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	stats := map[string]interface{}{
		"enabled":                   rl.config.Enabled,
		"type":                      string(rl.config.Type),
		"requests_per_minute":       rl.config.RequestsPerMinute,
		"burst":                     rl.config.Burst,
		"admin_requests_per_minute": rl.config.AdminRequestsPerMinute,
		"active_ip_limits":          len(rl.ipLimits),
	}

	if entry, ok := rl.globalLimits[false]; ok {
		stats["global_tokens"] = entry.limiter.TokensAt(rl.now())
	}
	return stats
}

// ResetRateLimits clears every bucket.
func (rl *RateLimiter) ResetRateLimits() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	rl.ipLimits = make(map[string]*limiterEntry)
	rl.globalLimits = make(map[bool]*limiterEntry)

	zap.L().Info("Rate limits reset")
}
