package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("CACHE_TTL", "")
	t.Setenv("ROUTER_ALLOWLIST", "")
	t.Setenv("ALLOW_DEV_CREDIT", "")

	cfg := Load()
	if cfg.Port != "8080" || cfg.CacheTTL != 30*time.Second {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.AllowDevCredit || len(cfg.RouterAllowlist) != 0 {
		t.Errorf("dev credit and routers must be off by default: %+v", cfg)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("CACHE_TTL", "1m")
	t.Setenv("RATE_LIMIT_RPM", "not-a-number")
	t.Setenv("ROUTER_ALLOWLIST", " router:a, ,router:b ")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ALLOW_DEV_CREDIT", "true")

	cfg := Load()
	if cfg.Port != "9090" || cfg.CacheTTL != time.Minute {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.RateLimitRPM != 600 {
		t.Errorf("invalid int should fall back to default, got %d", cfg.RateLimitRPM)
	}
	if len(cfg.RouterAllowlist) != 2 || cfg.RouterAllowlist[1] != "router:b" {
		t.Errorf("unexpected allow-list %v", cfg.RouterAllowlist)
	}
	if cfg.LogLevel != slog.LevelDebug || !cfg.AllowDevCredit {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestParseRouters(t *testing.T) {
	data := []byte(`
routers:
  - name: dex
    allowed: true
    prices:
      - {input: SOL, output: USDC, price: "2.5"}
  - name: backup
`)
	rf, err := ParseRouters(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rf.Routers) != 2 || !rf.Routers[0].Allowed || rf.Routers[1].Allowed {
		t.Fatalf("unexpected routers %+v", rf.Routers)
	}
	prices, err := rf.Routers[0].SwapPrices()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(prices) != 1 || prices[0].Price.String() != "2.5" {
		t.Errorf("unexpected prices %+v", prices)
	}
}

func TestParseRouters_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"no name", "routers:\n  - allowed: true\n", "without name"},
		{"duplicate", "routers:\n  - name: a\n  - name: a\n", "duplicate"},
		{"bad price", "routers:\n  - name: a\n    prices:\n      - {input: X1, output: Y1, price: abc}\n", "price"},
		{"negative price", "routers:\n  - name: a\n    prices:\n      - {input: X1, output: Y1, price: \"-1\"}\n", "positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRouters([]byte(tt.data))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadRouters_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routers.yaml")
	if err := os.WriteFile(path, []byte("routers:\n  - name: dex\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	rf, err := LoadRouters(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rf.Routers[0].Name != "dex" {
		t.Errorf("unexpected routers %+v", rf.Routers)
	}
	if _, err := LoadRouters(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
