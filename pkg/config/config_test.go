package config

import (
	"os"
	"testing"
	"time"

	"github.com/kombina-app/kombina/pkg/observability"
)

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns env value when set",
			key:          "TEST_VAR",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when env not set",
			key:          "TEST_VAR_NOT_SET",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue bool
		want         bool
	}{
		{name: "true string", envValue: "true", defaultValue: false, want: true},
		{name: "one string", envValue: "1", defaultValue: false, want: true},
		{name: "false string", envValue: "false", defaultValue: true, want: false},
		{name: "unset uses default", envValue: "", defaultValue: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_BOOL_VAR"
			if tt.envValue != "" {
				os.Setenv(key, tt.envValue)
				defer os.Unsetenv(key)
			}

			got := getEnvBool(key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvBool() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvFloat(t *testing.T) {
	os.Setenv("TEST_FLOAT_VAR", "0.015")
	defer os.Unsetenv("TEST_FLOAT_VAR")

	if got := getEnvFloat("TEST_FLOAT_VAR", 0.5); got != 0.015 {
		t.Errorf("getEnvFloat() = %v, want 0.015", got)
	}
	if got := getEnvFloat("TEST_FLOAT_VAR_UNSET", 0.5); got != 0.5 {
		t.Errorf("getEnvFloat() default = %v, want 0.5", got)
	}
	os.Setenv("TEST_FLOAT_BAD", "not-a-number")
	defer os.Unsetenv("TEST_FLOAT_BAD")
	if got := getEnvFloat("TEST_FLOAT_BAD", 0.25); got != 0.25 {
		t.Errorf("getEnvFloat() invalid = %v, want 0.25", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	os.Setenv("TEST_DURATION_VAR", "45s")
	defer os.Unsetenv("TEST_DURATION_VAR")

	if got := getEnvDuration("TEST_DURATION_VAR", time.Minute); got != 45*time.Second {
		t.Errorf("getEnvDuration() = %v, want 45s", got)
	}
	if got := getEnvDuration("TEST_DURATION_UNSET", time.Minute); got != time.Minute {
		t.Errorf("getEnvDuration() default = %v, want 1m", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  observability.LogLevel
	}{
		{"debug", observability.DebugLevel},
		{"info", observability.InfoLevel},
		{"warn", observability.WarnLevel},
		{"warning", observability.WarnLevel},
		{"error", observability.ErrorLevel},
		{"garbage", observability.InfoLevel},
	}

	for _, tt := range tests {
		if got := parseLogLevel(tt.input); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	os.Setenv("KOMBINA_POSTGRES_URL", "postgres://localhost/kombina_test")
	defer os.Unsetenv("KOMBINA_POSTGRES_URL")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("Server.Port = %v, want 8080", cfg.Server.Port)
	}
	if cfg.Billing.TrialDays != 7 {
		t.Errorf("Billing.TrialDays = %v, want 7", cfg.Billing.TrialDays)
	}
	if cfg.Billing.RenewalCutoffDay != 25 {
		t.Errorf("Billing.RenewalCutoffDay = %v, want 25", cfg.Billing.RenewalCutoffDay)
	}
	if cfg.Billing.InstructionExpirationSeconds != 3600 {
		t.Errorf("Billing.InstructionExpirationSeconds = %v, want 3600", cfg.Billing.InstructionExpirationSeconds)
	}
	if cfg.Payouts.FeeRate != 0.01 {
		t.Errorf("Payouts.FeeRate = %v, want 0.01", cfg.Payouts.FeeRate)
	}
	if cfg.Payouts.Workers != 4 {
		t.Errorf("Payouts.Workers = %v, want 4", cfg.Payouts.Workers)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server: ServerConfig{Port: "8080", HealthPort: "9090"},
			Postgres: PostgresConfig{
				URL: "postgres://localhost/kombina",
			},
			Billing: BillingConfig{
				TrialDays:        7,
				CycleLengthDays:  30,
				RenewalCutoffDay: 25,
			},
			Payouts: PayoutsConfig{FeeRate: 0.01},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}, wantErr: false},
		{name: "missing postgres url", mutate: func(c *Config) { c.Postgres.URL = "" }, wantErr: true},
		{name: "same ports", mutate: func(c *Config) { c.Server.HealthPort = "8080" }, wantErr: true},
		{name: "cutoff day out of range", mutate: func(c *Config) { c.Billing.RenewalCutoffDay = 31 }, wantErr: true},
		{name: "zero cycle length", mutate: func(c *Config) { c.Billing.CycleLengthDays = 0 }, wantErr: true},
		{name: "fee rate over one", mutate: func(c *Config) { c.Payouts.FeeRate = 1.5 }, wantErr: true},
		{name: "gateway url without credentials", mutate: func(c *Config) { c.Gateway.BaseURL = "https://api.bank.example" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
