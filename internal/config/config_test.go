package config

import (
	"testing"
	"time"
)

func TestWorkerMessageBudgetExceedsVendorTimeout(t *testing.T) {
	cfg := &Config{VendorTimeout: 30 * time.Second}
	if got := cfg.WorkerMessageBudget(); got <= cfg.VendorTimeout {
		t.Errorf("WorkerMessageBudget = %v, want > VendorTimeout %v", got, cfg.VendorTimeout)
	}
}

func TestLoadRetryBudgetsAreIndependent(t *testing.T) {
	t.Setenv("POSTGRES_URL", "postgres://localhost/greetings")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("NATS_URL", "nats://localhost:4222")
	t.Setenv("VENDOR_URL", "http://localhost:9090")
	t.Setenv("MAX_WORKER_RETRIES", "2")
	t.Setenv("MAX_RECOVERY_RETRIES", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxWorkerRetries != 2 {
		t.Errorf("MaxWorkerRetries = %d, want 2", cfg.MaxWorkerRetries)
	}
	if cfg.MaxRecoveryRetries != 7 {
		t.Errorf("MaxRecoveryRetries = %d, want 7", cfg.MaxRecoveryRetries)
	}
}

func TestFlagDecode(t *testing.T) {
	tests := []struct {
		value   string
		want    bool
		wantErr bool
	}{
		{"true", true, false},
		{"1", true, false},
		{"false", false, false},
		{"0", false, false},
		{"", false, false},
		{"TRUE", false, true},
		{"yes", false, true},
		{"falsey", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			var f Flag
			err := f.Decode(tt.value)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Decode(%q) expected error, got nil", tt.value)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode(%q) unexpected error: %v", tt.value, err)
			}
			if bool(f) != tt.want {
				t.Errorf("Decode(%q) = %v, want %v", tt.value, bool(f), tt.want)
			}
		})
	}
}
