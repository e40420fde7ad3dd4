package app

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := loadConfig(viper.New(), t.TempDir())

	if cfg.HTTPAddr != ":8080" || cfg.DBDriver != "postgres" || cfg.QuestionBankDriver != "sql" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.ExamDurationSeconds != 7200 || cfg.PointsPerQuestion != 3 || cfg.EscalationThreshold != 3 {
		t.Fatalf("unexpected exam defaults: %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Fatalf("expected wildcard cors origin, got %v", cfg.CORSOrigins)
	}
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	content := "HTTP_ADDR=:9000\nEXAM_DATE=2026-03-02\nRATE_LIMIT_PER_MIN=5\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("HTTP_ADDR", ":9100")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg := loadConfig(viper.New(), dir)
	if cfg.HTTPAddr != ":9100" {
		t.Fatalf("expected env to win, got %s", cfg.HTTPAddr)
	}
	if cfg.ExamDate != "2026-03-02" || cfg.RateLimitPerMin != 5 {
		t.Fatalf("expected values from .env, got %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected cors origins %v", cfg.CORSOrigins)
	}
}

func TestExamConfig(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	base := Config{
		ExamDurationSeconds:  7200,
		ExamDistribution:     "math:easy:4,bio:hard:6",
		PointsPerQuestion:    3,
		EscalationThreshold:  3,
		EscalatingEventKinds: "tab_switch, window_blur",
	}

	t.Run("defaults to whole utc day", func(t *testing.T) {
		got, err := base.ExamConfig(now)
		if err != nil {
			t.Fatalf("exam config: %v", err)
		}
		if got.ExamDate != "2026-03-02" {
			t.Fatalf("expected exam date from now, got %s", got.ExamDate)
		}
		if !got.WindowStart.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)) || !got.WindowEnd.Equal(time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)) {
			t.Fatalf("unexpected window %v - %v", got.WindowStart, got.WindowEnd)
		}
		if got.Duration != 2*time.Hour || len(got.Distribution) != 2 || len(got.EscalatingKinds) != 2 {
			t.Fatalf("unexpected exam config %+v", got)
		}
	})

	t.Run("explicit window", func(t *testing.T) {
		cfg := base
		cfg.ExamDate = "2026-03-02"
		cfg.ExamWindowStart = "2026-03-02T07:00:00+07:00"
		cfg.ExamWindowEnd = "2026-03-02T15:00:00+07:00"
		got, err := cfg.ExamConfig(now)
		if err != nil {
			t.Fatalf("exam config: %v", err)
		}
		if !got.WindowStart.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)) {
			t.Fatalf("expected window start converted to utc, got %v", got.WindowStart)
		}
	})

	bad := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "bad date", mutate: func(c *Config) { c.ExamDate = "02/03/2026" }},
		{name: "bad start", mutate: func(c *Config) { c.ExamWindowStart = "tomorrow" }},
		{name: "inverted window", mutate: func(c *Config) {
			c.ExamWindowStart = "2026-03-02T15:00:00Z"
			c.ExamWindowEnd = "2026-03-02T07:00:00Z"
		}},
		{name: "missing distribution", mutate: func(c *Config) { c.ExamDistribution = "" }},
	}
	for _, tc := range bad {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			if _, err := cfg.ExamConfig(now); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestCredentialFireAt(t *testing.T) {
	at, err := Config{}.CredentialFireAt()
	if err != nil || !at.IsZero() {
		t.Fatalf("expected disabled release, got %v %v", at, err)
	}
	at, err = Config{CredentialReleaseAt: "2026-03-03T09:00:00Z"}.CredentialFireAt()
	if err != nil || !at.Equal(time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected release time %v %v", at, err)
	}
	if _, err := (Config{CredentialReleaseAt: "soon"}).CredentialFireAt(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
