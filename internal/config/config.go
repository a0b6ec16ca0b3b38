// Package config handles YAML configuration loading with environment
// variable expansion. One file carries both services; each binary reads
// its own section.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.yaml.in/yaml/v3"
)

// File is the top-level configuration document.
type File struct {
	LogLevel     string        `yaml:"log_level"`
	OTLPEndpoint string        `yaml:"otlp_endpoint"` // empty disables tracing
	SampleRate   float64       `yaml:"sample_rate"`   // 0.0 to 1.0
	Gateway      GatewayConfig `yaml:"gateway"`
	Engine       EngineConfig  `yaml:"engine"`
}

// GatewayConfig holds the proxy service settings.
type GatewayConfig struct {
	Listen             string          `yaml:"listen"`
	AdminListen        string          `yaml:"admin_listen"`
	APIKeys            []string        `yaml:"api_keys"`
	AuthExemptPrefixes []string        `yaml:"auth_exempt_prefixes"`
	MaxBodyBytes       int             `yaml:"max_body_bytes"`
	AllowedMethods     []string        `yaml:"allowed_methods"`
	RequireHostHeader  *bool           `yaml:"require_host_header"`
	MaxHeaders         int             `yaml:"max_headers"`
	RateLimit          RateLimitConfig `yaml:"rate_limit"`
	CircuitBreaker     BreakerConfig   `yaml:"circuit_breaker"`
	Routing            RoutingConfig   `yaml:"routing"`
	Upstreams          []UpstreamEntry `yaml:"upstreams"`
	Routes             []RouteEntry    `yaml:"routes"`
}

// HostHeaderRequired reports whether requests must carry a Host header
// (defaults to true when unset).
func (g GatewayConfig) HostHeaderRequired() bool {
	return g.RequireHostHeader == nil || *g.RequireHostHeader
}

// RateLimitConfig holds gateway rate limiting settings.
type RateLimitConfig struct {
	Enabled       *bool   `yaml:"enabled"`
	Algorithm     string  `yaml:"algorithm"` // "token_bucket", "sliding_window"
	Capacity      uint64  `yaml:"capacity"`
	RefillPerSec  float64 `yaml:"refill_per_sec"`
	WindowSeconds uint64  `yaml:"window_seconds"`
	MaxRequests   uint64  `yaml:"max_requests"`
	Backend       string  `yaml:"backend"` // "memory", "redis"
	RedisURL      string  `yaml:"redis_url"`
	KeyPrefix     string  `yaml:"key_prefix"`
	KeyHeader     string  `yaml:"key_header"`
	FailOpen      bool    `yaml:"fail_open"`
}

// IsEnabled reports whether rate limiting is on (defaults to true when nil).
func (r RateLimitConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// BreakerConfig holds per-upstream circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	OpenSeconds      int `yaml:"open_seconds"`
	HalfOpenMax      int `yaml:"half_open_max"`
}

// RoutingConfig tunes the candidate scoring.
type RoutingConfig struct {
	PreferLowLatency *bool `yaml:"prefer_low_latency"`
	InFlightPenalty  int64 `yaml:"in_flight_penalty"`
	FailurePenalty   int64 `yaml:"failure_penalty"`
}

// LatencyAware reports whether latency feeds the score (defaults to true).
func (r RoutingConfig) LatencyAware() bool {
	return r.PreferLowLatency == nil || *r.PreferLowLatency
}

// UpstreamEntry is an upstream definition in the config file.
type UpstreamEntry struct {
	Name      string     `yaml:"name"`
	BaseURL   string     `yaml:"base_url"`
	Weight    int        `yaml:"weight"`
	TimeoutMs int        `yaml:"timeout_ms"`
	Auth      *AuthEntry `yaml:"auth"`
}

// AuthEntry configures OAuth2 client-credentials auth toward one upstream.
type AuthEntry struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// RouteEntry maps a path prefix to its candidate upstreams.
type RouteEntry struct {
	PathPrefix string   `yaml:"path_prefix"`
	Upstreams  []string `yaml:"upstreams"`
}

// EngineConfig holds the code-execution service settings.
type EngineConfig struct {
	Listen                string      `yaml:"listen"`
	WorkerCount           int         `yaml:"worker_count"`
	QueueCapacity         int         `yaml:"queue_capacity"`
	SandboxBackend        string      `yaml:"sandbox_backend"` // "docker", "process"
	WorkdirPrefix         string      `yaml:"workdir_prefix"`
	DefaultLimits         LimitsEntry `yaml:"default_limits"`
	APIKeys               []string    `yaml:"api_keys"` // "tenant:key" pairs
	RateLimitPerMinute    float64     `yaml:"rate_limit_per_minute"`
	RateLimitBurst        int         `yaml:"rate_limit_burst"`
	NetworkAllowedTenants []string    `yaml:"network_allowed_tenants"`
	PersistPath           string      `yaml:"persist_path"` // empty disables JSONL persistence
	ArchivePath           string      `yaml:"archive_path"` // empty disables the SQLite archive
	CompileCacheDir       string      `yaml:"compile_cache_dir"`
}

// LimitsEntry is the default resource envelope for executions.
type LimitsEntry struct {
	CPU              float64 `yaml:"cpu"`
	MemoryMB         int64   `yaml:"memory_mb"`
	TimeoutMs        int64   `yaml:"timeout_ms"`
	MaxProcesses     int64   `yaml:"max_processes"`
	MaxFileSizeBytes int64   `yaml:"max_file_size_bytes"`
	MaxOutputBytes   int64   `yaml:"max_output_bytes"`
}

// TenantKeys parses the "tenant:key" pairs into a key-to-tenant map.
func (e EngineConfig) TenantKeys() (map[string]string, error) {
	byKey := make(map[string]string, len(e.APIKeys))
	for _, pair := range e.APIKeys {
		tenant, key, ok := strings.Cut(pair, ":")
		if !ok || tenant == "" || key == "" {
			return nil, fmt.Errorf("api key entry %q: want tenant:key", pair)
		}
		if _, dup := byKey[key]; dup {
			return nil, fmt.Errorf("api key for tenant %q duplicates another tenant's key", tenant)
		}
		byKey[key] = tenant
	}
	return byKey, nil
}

// SlogLevel maps the configured log level onto slog's scale.
func (f *File) SlogLevel() slog.Level {
	switch strings.ToLower(f.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// envPattern matches ${VAR} and ${VAR:default}.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:[^}]*)?\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
// An unset variable keeps its inline default when one is given, and is
// otherwise left verbatim.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		sub := envPattern.FindSubmatch(match)
		if val, ok := os.LookupEnv(string(sub[1])); ok {
			return []byte(val)
		}
		if len(sub[2]) > 0 {
			return sub[2][1:] // strip the leading colon
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment
// variables and applying defaults for anything the file leaves out.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration, suitable for local
// development against the bundled upstream defaults.
func Default() *File {
	return &File{
		LogLevel:   "info",
		SampleRate: 1.0,
		Gateway: GatewayConfig{
			Listen:             "0.0.0.0:8080",
			AdminListen:        "0.0.0.0:9090",
			APIKeys:            []string{"dev-key"},
			AuthExemptPrefixes: []string{"/health"},
			MaxBodyBytes:       1 << 20,
			AllowedMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			MaxHeaders:         128,
			RateLimit: RateLimitConfig{
				Algorithm:     "token_bucket",
				Capacity:      200,
				RefillPerSec:  100,
				WindowSeconds: 60,
				MaxRequests:   600,
				Backend:       "memory",
				RedisURL:      "redis://127.0.0.1:6379",
				KeyPrefix:     "gateway:ratelimit",
				KeyHeader:     "x-api-key",
			},
			CircuitBreaker: BreakerConfig{
				FailureThreshold: 5,
				OpenSeconds:      20,
				HalfOpenMax:      1,
			},
			Routing: RoutingConfig{
				InFlightPenalty: 12,
				FailurePenalty:  250,
			},
			Upstreams: []UpstreamEntry{
				{Name: "svc-a", BaseURL: "http://127.0.0.1:9001"},
				{Name: "svc-b", BaseURL: "http://127.0.0.1:9002"},
			},
			Routes: []RouteEntry{
				{PathPrefix: "/", Upstreams: []string{"svc-a", "svc-b"}},
				{PathPrefix: "/health", Upstreams: []string{"svc-a"}},
			},
		},
		Engine: EngineConfig{
			Listen:         "0.0.0.0:8081",
			WorkerCount:    4,
			QueueCapacity:  1024,
			SandboxBackend: "docker",
			WorkdirPrefix:  "warden-exec",
			DefaultLimits: LimitsEntry{
				CPU:              0.5,
				MemoryMB:         256,
				TimeoutMs:        3000,
				MaxProcesses:     32,
				MaxFileSizeBytes: 1 << 20,
				MaxOutputBytes:   64 << 10,
			},
			APIKeys:            []string{"default:dev-key"},
			RateLimitPerMinute: 120,
			RateLimitBurst:     40,
			CompileCacheDir:    filepath.Join(os.TempDir(), "warden-compile"),
		},
	}
}

// Validate checks the gateway section for structural mistakes.
func (g GatewayConfig) Validate() error {
	if g.Listen == "" {
		return fmt.Errorf("gateway: listen address is empty")
	}
	if g.MaxBodyBytes < 1 {
		return fmt.Errorf("gateway: max_body_bytes must be positive")
	}
	if g.MaxHeaders < 1 {
		return fmt.Errorf("gateway: max_headers must be positive")
	}
	if len(g.AllowedMethods) == 0 {
		return fmt.Errorf("gateway: allowed_methods is empty")
	}

	rl := g.RateLimit
	if rl.IsEnabled() {
		switch rl.Algorithm {
		case "token_bucket":
			if rl.Capacity < 1 || rl.RefillPerSec <= 0 {
				return fmt.Errorf("gateway: token_bucket needs capacity >= 1 and refill_per_sec > 0")
			}
		case "sliding_window":
			if rl.WindowSeconds < 1 || rl.MaxRequests < 1 {
				return fmt.Errorf("gateway: sliding_window needs window_seconds >= 1 and max_requests >= 1")
			}
		default:
			return fmt.Errorf("gateway: unknown rate limit algorithm %q", rl.Algorithm)
		}
		switch rl.Backend {
		case "memory":
		case "redis":
			if rl.RedisURL == "" {
				return fmt.Errorf("gateway: redis backend needs redis_url")
			}
		default:
			return fmt.Errorf("gateway: unknown rate limit backend %q", rl.Backend)
		}
	}

	cb := g.CircuitBreaker
	if cb.FailureThreshold < 1 || cb.OpenSeconds < 1 || cb.HalfOpenMax < 1 {
		return fmt.Errorf("gateway: circuit_breaker values must be positive")
	}

	names := make(map[string]struct{}, len(g.Upstreams))
	for _, u := range g.Upstreams {
		if u.Name == "" {
			return fmt.Errorf("gateway: upstream with empty name")
		}
		if _, dup := names[u.Name]; dup {
			return fmt.Errorf("gateway: duplicate upstream %q", u.Name)
		}
		names[u.Name] = struct{}{}
		parsed, err := url.Parse(u.BaseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("gateway: upstream %q: invalid base_url %q", u.Name, u.BaseURL)
		}
		if u.Auth != nil && (u.Auth.TokenURL == "" || u.Auth.ClientID == "") {
			return fmt.Errorf("gateway: upstream %q: auth needs token_url and client_id", u.Name)
		}
	}

	for _, r := range g.Routes {
		if !strings.HasPrefix(r.PathPrefix, "/") {
			return fmt.Errorf("gateway: route prefix %q must start with /", r.PathPrefix)
		}
		if len(r.Upstreams) == 0 {
			return fmt.Errorf("gateway: route %q has no upstreams", r.PathPrefix)
		}
		for _, name := range r.Upstreams {
			if _, ok := names[name]; !ok {
				return fmt.Errorf("gateway: route %q references unknown upstream %q", r.PathPrefix, name)
			}
		}
	}
	return nil
}

// Validate checks the engine section for structural mistakes.
func (e EngineConfig) Validate() error {
	if e.Listen == "" {
		return fmt.Errorf("engine: listen address is empty")
	}
	if e.WorkerCount < 1 {
		return fmt.Errorf("engine: worker_count must be at least 1")
	}
	if e.QueueCapacity < 1 {
		return fmt.Errorf("engine: queue_capacity must be at least 1")
	}
	switch e.SandboxBackend {
	case "docker", "process":
	default:
		return fmt.Errorf("engine: unknown sandbox backend %q", e.SandboxBackend)
	}
	if e.WorkdirPrefix == "" {
		return fmt.Errorf("engine: workdir_prefix is empty")
	}
	l := e.DefaultLimits
	if l.CPU <= 0 || l.MemoryMB < 1 || l.TimeoutMs < 1 ||
		l.MaxProcesses < 1 || l.MaxFileSizeBytes < 1 || l.MaxOutputBytes < 1 {
		return fmt.Errorf("engine: default_limits values must be positive")
	}
	if e.RateLimitPerMinute < 0 || e.RateLimitBurst < 0 {
		return fmt.Errorf("engine: rate limit values must not be negative")
	}
	if _, err := e.TenantKeys(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	return nil
}
