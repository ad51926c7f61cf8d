package fixer

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDefaultFixConfig(t *testing.T) {
	cfg := DefaultFixConfig()
	if !cfg.TolerancePercentage.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("tolerance = %s, want 5", cfg.TolerancePercentage)
	}
	if cfg.BatchSize != 10 || cfg.RetryAttempts != 3 {
		t.Fatalf("batch/retry defaults: %+v", cfg)
	}
	if cfg.RetryDelay != time.Second || cfg.BatchDelay != 2*time.Second {
		t.Fatalf("delay defaults: %+v", cfg)
	}
	if cfg.CircuitBreakerThreshold != 5 || cfg.CircuitBreakerReset != time.Minute {
		t.Fatalf("breaker defaults: %+v", cfg)
	}
}

func TestDefaultFixConfig_EnvOverrides(t *testing.T) {
	t.Setenv("FIX_TOLERANCE_PERCENTAGE", "2.5")
	t.Setenv("FIX_BATCH_SIZE", "25")
	t.Setenv("FIX_RETRY_DELAY_MS", "1500")

	cfg := DefaultFixConfig()
	want, _ := decimal.NewFromString("2.5")
	if !cfg.TolerancePercentage.Equal(want) {
		t.Fatalf("tolerance = %s, want 2.5", cfg.TolerancePercentage)
	}
	if cfg.BatchSize != 25 {
		t.Fatalf("batch size = %d, want 25", cfg.BatchSize)
	}
	if cfg.RetryDelay != 1500*time.Millisecond {
		t.Fatalf("retry delay = %s", cfg.RetryDelay)
	}
}

func TestDefaultFixConfig_IgnoresInvalidEnv(t *testing.T) {
	t.Setenv("FIX_TOLERANCE_PERCENTAGE", "-1")
	t.Setenv("FIX_BATCH_SIZE", "zero")

	cfg := DefaultFixConfig()
	if !cfg.TolerancePercentage.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("negative tolerance must fall back to default, got %s", cfg.TolerancePercentage)
	}
	if cfg.BatchSize != 10 {
		t.Fatalf("unparseable batch size must fall back to default, got %d", cfg.BatchSize)
	}
}

func TestFixConfig_WithSettings(t *testing.T) {
	base := DefaultFixConfig()

	tol := 1.5
	batch := 3
	resetMs := 30000
	settings := FixSettings{
		TolerancePercentage:   &tol,
		BatchSize:             &batch,
		CircuitBreakerResetMs: &resetMs,
	}

	cfg := base.withSettings(settings)
	if !cfg.TolerancePercentage.Equal(decimal.NewFromFloat(1.5)) {
		t.Fatalf("tolerance = %s", cfg.TolerancePercentage)
	}
	if cfg.BatchSize != 3 {
		t.Fatalf("batch size = %d", cfg.BatchSize)
	}
	if cfg.CircuitBreakerReset != 30*time.Second {
		t.Fatalf("breaker reset = %s", cfg.CircuitBreakerReset)
	}
	// Fields without overrides keep defaults.
	if cfg.RetryAttempts != base.RetryAttempts || cfg.RetryDelay != base.RetryDelay {
		t.Fatalf("untouched fields changed: %+v", cfg)
	}
}

func TestFixSettings_RoundTrip(t *testing.T) {
	batch := 7
	settings := FixSettings{BatchSize: &batch}
	decoded := DecodeSettings(EncodeSettings(settings))
	if decoded.BatchSize == nil || *decoded.BatchSize != 7 {
		t.Fatalf("round trip produced %+v", decoded)
	}
	if decoded.TolerancePercentage != nil {
		t.Fatalf("absent fields must stay nil")
	}

	if got := DecodeSettings([]byte(`{broken`)); got.BatchSize != nil {
		t.Fatalf("malformed settings must decode to empty overrides")
	}
	if got := DecodeSettings(nil); got.BatchSize != nil {
		t.Fatalf("empty settings must decode to empty overrides")
	}
}
