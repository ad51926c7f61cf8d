package fixer

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FixConfig is the effective tuning for one fix session. Defaults come from the
// environment; per-tenant overrides live on the connection row as FixSettings.
type FixConfig struct {
	TolerancePercentage     decimal.Decimal
	BatchSize               int
	RetryAttempts           int
	RetryDelay              time.Duration
	BatchDelay              time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerReset     time.Duration
}

func DefaultFixConfig() FixConfig {
	cfg := FixConfig{
		TolerancePercentage:     decimal.NewFromInt(5),
		BatchSize:               10,
		RetryAttempts:           3,
		RetryDelay:              time.Second,
		BatchDelay:              2 * time.Second,
		CircuitBreakerThreshold: 5,
		CircuitBreakerReset:     time.Minute,
	}

	if v := strings.TrimSpace(os.Getenv("FIX_TOLERANCE_PERCENTAGE")); v != "" {
		if d, err := decimal.NewFromString(v); err == nil && d.GreaterThanOrEqual(decimal.Zero) {
			cfg.TolerancePercentage = d
		}
	}
	if n := intEnv("FIX_BATCH_SIZE", 0); n > 0 {
		cfg.BatchSize = n
	}
	if n := intEnv("FIX_RETRY_ATTEMPTS", 0); n > 0 {
		cfg.RetryAttempts = n
	}
	if n := intEnv("FIX_RETRY_DELAY_MS", 0); n > 0 {
		cfg.RetryDelay = time.Duration(n) * time.Millisecond
	}
	if n := intEnv("FIX_BATCH_DELAY_MS", 0); n > 0 {
		cfg.BatchDelay = time.Duration(n) * time.Millisecond
	}
	if n := intEnv("FIX_CIRCUIT_BREAKER_THRESHOLD", 0); n > 0 {
		cfg.CircuitBreakerThreshold = n
	}
	if n := intEnv("FIX_CIRCUIT_BREAKER_RESET_MS", 0); n > 0 {
		cfg.CircuitBreakerReset = time.Duration(n) * time.Millisecond
	}
	return cfg
}

// FixSettings are the per-tenant overrides stored on the connection row.
type FixSettings struct {
	TolerancePercentage     *float64 `json:"tolerancePercentage,omitempty"`
	BatchSize               *int     `json:"batchSize,omitempty"`
	RetryAttempts           *int     `json:"retryAttempts,omitempty"`
	RetryDelayMs            *int     `json:"retryDelayMs,omitempty"`
	BatchDelayMs            *int     `json:"batchDelayMs,omitempty"`
	CircuitBreakerThreshold *int     `json:"circuitBreakerThreshold,omitempty"`
	CircuitBreakerResetMs   *int     `json:"circuitBreakerResetMs,omitempty"`
}

func DecodeSettings(raw []byte) FixSettings {
	if len(raw) == 0 {
		return FixSettings{}
	}
	var s FixSettings
	if err := json.Unmarshal(raw, &s); err != nil {
		return FixSettings{}
	}
	return s
}

func EncodeSettings(s FixSettings) []byte {
	b, _ := json.Marshal(s)
	return b
}

func (c FixConfig) withSettings(s FixSettings) FixConfig {
	if s.TolerancePercentage != nil && *s.TolerancePercentage >= 0 {
		c.TolerancePercentage = decimal.NewFromFloat(*s.TolerancePercentage)
	}
	if s.BatchSize != nil && *s.BatchSize > 0 {
		c.BatchSize = *s.BatchSize
	}
	if s.RetryAttempts != nil && *s.RetryAttempts > 0 {
		c.RetryAttempts = *s.RetryAttempts
	}
	if s.RetryDelayMs != nil && *s.RetryDelayMs > 0 {
		c.RetryDelay = time.Duration(*s.RetryDelayMs) * time.Millisecond
	}
	if s.BatchDelayMs != nil && *s.BatchDelayMs > 0 {
		c.BatchDelay = time.Duration(*s.BatchDelayMs) * time.Millisecond
	}
	if s.CircuitBreakerThreshold != nil && *s.CircuitBreakerThreshold > 0 {
		c.CircuitBreakerThreshold = *s.CircuitBreakerThreshold
	}
	if s.CircuitBreakerResetMs != nil && *s.CircuitBreakerResetMs > 0 {
		c.CircuitBreakerReset = time.Duration(*s.CircuitBreakerResetMs) * time.Millisecond
	}
	return c
}

func intEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
