// Package config loads the fund engine configuration from environment
// variables and an optional YAML router file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/defunds/fund-engine/internal/swap"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Port            string
	DatabaseURL     string
	RunMigrations   bool
	RedisURL        string
	CacheTTL        time.Duration
	JWTSecret       string
	JWTIssuer       string
	RateLimitRPM    int
	RateLimitBurst  int
	RouterAllowlist []string
	RoutersFile     string
	TreasuryAddress string
	AuthorityKey    string
	LogLevel        slog.Level
	LogFile         string
	AllowDevCredit  bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	return Config{
		Port:            envOrDefault("PORT", "8080"),
		DatabaseURL:     envOrDefault("DATABASE_URL", ""),
		RunMigrations:   envOrDefaultBool("RUN_MIGRATIONS", true),
		RedisURL:        envOrDefault("REDIS_URL", ""),
		CacheTTL:        envOrDefaultDuration("CACHE_TTL", 30*time.Second),
		JWTSecret:       envOrDefault("JWT_SECRET", ""),
		JWTIssuer:       envOrDefault("JWT_ISSUER", ""),
		RateLimitRPM:    envOrDefaultInt("RATE_LIMIT_RPM", 600),
		RateLimitBurst:  envOrDefaultInt("RATE_LIMIT_BURST", 50),
		RouterAllowlist: splitList(envOrDefault("ROUTER_ALLOWLIST", "")),
		RoutersFile:     envOrDefault("ROUTERS_FILE", ""),
		TreasuryAddress: envOrDefaultWarn("TREASURY_ADDRESS", "treasury"),
		AuthorityKey:    envOrDefault("AUTHORITY_KEY", ""),
		LogLevel:        envOrDefaultLevel("LOG_LEVEL", slog.LevelInfo),
		LogFile:         envOrDefault("LOG_FILE", ""),
		AllowDevCredit:  envOrDefaultBool("ALLOW_DEV_CREDIT", false),
	}
}

// RouterFile is the YAML layout of ROUTERS_FILE.
type RouterFile struct {
	Routers []RouterSpec `yaml:"routers"`
}

// RouterSpec declares one in-process quote router.
type RouterSpec struct {
	Name    string      `yaml:"name"`
	Allowed bool        `yaml:"allowed"`
	Prices  []PriceSpec `yaml:"prices"`
}

// PriceSpec is a price table row. Price stays a string in YAML so it never
// passes through float64.
type PriceSpec struct {
	Input  string `yaml:"input"`
	Output string `yaml:"output"`
	Price  string `yaml:"price"`
}

// LoadRouters reads and validates a router file.
func LoadRouters(path string) (*RouterFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routers file: %w", err)
	}
	return ParseRouters(data)
}

// ParseRouters decodes router YAML.
func ParseRouters(data []byte) (*RouterFile, error) {
	var rf RouterFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("decode routers: %w", err)
	}
	seen := make(map[string]bool)
	for _, r := range rf.Routers {
		if r.Name == "" {
			return nil, fmt.Errorf("router without name")
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("duplicate router %q", r.Name)
		}
		seen[r.Name] = true
		if _, err := r.SwapPrices(); err != nil {
			return nil, err
		}
	}
	return &rf, nil
}

// SwapPrices converts the price rows for swap.NewQuoteRouter.
func (r RouterSpec) SwapPrices() ([]swap.Price, error) {
	out := make([]swap.Price, 0, len(r.Prices))
	for _, p := range r.Prices {
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return nil, fmt.Errorf("router %s: price %s/%s: %w", r.Name, p.Input, p.Output, err)
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("router %s: price %s/%s must be positive", r.Name, p.Input, p.Output)
		}
		out = append(out, swap.Price{Input: p.Input, Output: p.Output, Price: price})
	}
	return out, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultWarn(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Warn("env var not set, using default", "key", key, "default", defaultVal)
		return defaultVal
	}
	return v
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("invalid integer env var, using default", "key", key, "value", v, "default", defaultVal)
			return defaultVal
		}
		return n
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			slog.Warn("invalid boolean env var, using default", "key", key, "value", v, "default", defaultVal)
			return defaultVal
		}
		return b
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("invalid duration env var, using default", "key", key, "value", v, "default", defaultVal)
			return defaultVal
		}
		return d
	}
	return defaultVal
}

func envOrDefaultLevel(key string, defaultVal slog.Level) slog.Level {
	if v := os.Getenv(key); v != "" {
		var l slog.Level
		if err := l.UnmarshalText([]byte(v)); err != nil {
			slog.Warn("invalid log level env var, using default", "key", key, "value", v, "default", defaultVal)
			return defaultVal
		}
		return l
	}
	return defaultVal
}
