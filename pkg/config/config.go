// Package config provides configuration structures and loading logic for the
// server-to-server service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-s2s/pkg/domain"
)

// Config holds the global configuration for the service.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Dialback      DialbackConfig      `yaml:"dialback"`
	RemoteServers RemoteServersConfig `yaml:"remote_servers"`
	SecretCache   SecretCacheConfig   `yaml:"secret_cache"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds the identity and listeners of this server.
type ServerConfig struct {
	// Domain is the XMPP domain served locally.
	Domain string `yaml:"domain"`
	// Components are subdomains also served locally. A bare label is
	// expanded to label.Domain.
	Components       []string        `yaml:"components,omitempty"`
	ListenAddress    string          `yaml:"listen_address"`
	DirectTLSAddress string          `yaml:"direct_tls_address,omitempty"`
	AdminAddress     string          `yaml:"admin_address"`
	TLS              TLSConfig       `yaml:"tls"`
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
	Limits           StreamLimits    `yaml:"stream_limits"`
}

// StreamLimits bound a single top-level element received from a peer.
type StreamLimits struct {
	MaxElementBytes int64 `yaml:"max_element_bytes"`
	MaxDepth        int   `yaml:"max_depth"`
}

// RateLimitConfig bounds inbound connection attempts per remote IP.
// A zero rate disables limiting.
type RateLimitConfig struct {
	ConnectionsPerSecond float64 `yaml:"connections_per_second"`
	Burst                int     `yaml:"burst"`
}

// DialbackConfig holds protocol switches and timeouts.
type DialbackConfig struct {
	Enabled                bool          `yaml:"enabled"`
	ReadTimeout            time.Duration `yaml:"read_timeout"`
	ValidationTimeout      time.Duration `yaml:"validation_timeout"`
	ConnectTimeout         time.Duration `yaml:"connect_timeout"`
	AllowPlaintextFallback bool          `yaml:"allow_plaintext_fallback"`
	MultipleConnections    bool          `yaml:"multiple_connections"`
}

// RemoteServersConfig holds the access policy for peer servers.
type RemoteServersConfig struct {
	PermissionPolicy domain.PermissionPolicy `yaml:"permission_policy"`
	Servers          []domain.RemoteServer   `yaml:"servers,omitempty"`
	// File, when set, holds the permission policy and server list and is
	// watched for changes. It replaces the inline entries.
	File string     `yaml:"file,omitempty"`
	Rego RegoConfig `yaml:"rego"`
}

// RegoConfig configures the optional OPA filter.
type RegoConfig struct {
	Modules     []string `yaml:"modules,omitempty"`
	Entrypoint  string   `yaml:"entrypoint,omitempty"`
	FailureMode string   `yaml:"failure_mode,omitempty"`
	CacheSize   int      `yaml:"cache_size,omitempty"`
}

// SecretCacheConfig selects where the dialback secret is shared.
type SecretCacheConfig struct {
	Backend       string        `yaml:"backend"`
	BoltPath      string        `yaml:"bolt_path,omitempty"`
	RedisAddrs    []string      `yaml:"redis_addrs,omitempty"`
	RedisPassword string        `yaml:"redis_password,omitempty"`
	RedisDB       int           `yaml:"redis_db,omitempty"`
	KeyPrefix     string        `yaml:"key_prefix,omitempty"`
	LockTTL       time.Duration `yaml:"lock_ttl,omitempty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	Environment  string  `yaml:"environment,omitempty"`
	SampleRatio  float64 `yaml:"sample_ratio,omitempty"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used before the file and environment
// are applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress: ":5269",
			AdminAddress:  ":19090",
			TLS:           TLSConfig{Policy: domain.TLSOptional},
			Limits: StreamLimits{
				MaxElementBytes: 10 << 20,
				MaxDepth:        64,
			},
		},
		Dialback: DialbackConfig{
			Enabled:           true,
			ReadTimeout:       120 * time.Second,
			ValidationTimeout: 5 * time.Second,
			ConnectTimeout:    10 * time.Second,
		},
		RemoteServers: RemoteServersConfig{
			PermissionPolicy: domain.PermissionBlacklist,
		},
		SecretCache: SecretCacheConfig{
			Backend:   "memory",
			KeyPrefix: "s2s:",
			LockTTL:   10 * time.Second,
		},
		Telemetry: TelemetryConfig{ServiceName: "polis-s2s"},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		cfg.resolvePaths(filepath.Dir(path))
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// resolvePaths makes file references relative to the config file absolute.
func (c *Config) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.RemoteServers.File = abs(c.RemoteServers.File)
	for i, module := range c.RemoteServers.Rego.Modules {
		c.RemoteServers.Rego.Modules[i] = abs(module)
	}
	if c.Server.TLS.TrustBundle != nil {
		c.Server.TLS.TrustBundle.Path = abs(c.Server.TLS.TrustBundle.Path)
	}
}

func applyEnvOverrides(cfg *Config) error {
	strVars := map[string]*string{
		"S2S_DOMAIN":              &cfg.Server.Domain,
		"S2S_LISTEN_ADDR":         &cfg.Server.ListenAddress,
		"S2S_DIRECT_TLS_ADDR":     &cfg.Server.DirectTLSAddress,
		"S2S_ADMIN_ADDR":          &cfg.Server.AdminAddress,
		"S2S_TLS_CERT_FILE":       &cfg.Server.TLS.CertFile,
		"S2S_TLS_KEY_FILE":        &cfg.Server.TLS.KeyFile,
		"S2S_TLS_MIN_VERSION":     &cfg.Server.TLS.MinVersion,
		"S2S_REMOTE_SERVERS_FILE": &cfg.RemoteServers.File,
		"S2S_SECRET_CACHE":        &cfg.SecretCache.Backend,
		"S2S_BOLT_PATH":           &cfg.SecretCache.BoltPath,
		"S2S_REDIS_PASSWORD":      &cfg.SecretCache.RedisPassword,
		"S2S_OTLP_ENDPOINT":       &cfg.Telemetry.OTLPEndpoint,
		"S2S_LOG_LEVEL":           &cfg.Logging.Level,
	}
	for name, target := range strVars {
		if val := os.Getenv(name); val != "" {
			*target = val
		}
	}

	if val := os.Getenv("S2S_TLS_POLICY"); val != "" {
		cfg.Server.TLS.Policy = domain.TLSPolicy(val)
	}
	if val := os.Getenv("S2S_COMPONENTS"); val != "" {
		cfg.Server.Components = splitList(val)
	}
	if val := os.Getenv("S2S_REDIS_ADDRS"); val != "" {
		cfg.SecretCache.RedisAddrs = splitList(val)
	}

	boolVars := map[string]*bool{
		"S2S_DIALBACK_ENABLED":         &cfg.Dialback.Enabled,
		"S2S_ALLOW_PLAINTEXT_FALLBACK": &cfg.Dialback.AllowPlaintextFallback,
		"S2S_MULTIPLE_CONNECTIONS":     &cfg.Dialback.MultipleConnections,
		"S2S_OTLP_INSECURE":            &cfg.Telemetry.Insecure,
	}
	for name, target := range boolVars {
		val := os.Getenv(name)
		if val == "" {
			continue
		}
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			return NewConfigValidationError(name, val, "expected a boolean").
				WithSuggestion("Use true or false")
		}
		*target = parsed
	}
	return nil
}

func splitList(val string) []string {
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Dialback.Validate(); err != nil {
		return fmt.Errorf("dialback configuration: %w", err)
	}
	if err := c.RemoteServers.Validate(); err != nil {
		return fmt.Errorf("remote server configuration: %w", err)
	}
	if err := c.SecretCache.Validate(); err != nil {
		return fmt.Errorf("secret cache configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	c.Domain = domain.NormalizeDomain(c.Domain)
	if c.Domain == "" {
		return NewConfigMissingError("server.domain").
			WithSuggestion("Set the XMPP domain this server is authoritative for").
			WithSuggestion("Or export S2S_DOMAIN")
	}

	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":5269"
	}
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = ":19090"
	}

	seen := map[string]string{}
	for field, addr := range map[string]string{
		"listen_address":     c.ListenAddress,
		"direct_tls_address": c.DirectTLSAddress,
		"admin_address":      c.AdminAddress,
	} {
		if addr == "" {
			continue
		}
		if other, dup := seen[addr]; dup {
			return NewConfigValidationError(field, addr, fmt.Sprintf("address conflicts with %s", other))
		}
		seen[addr] = field
	}

	if err := c.TLS.Validate(); err != nil {
		return err
	}
	if c.DirectTLSAddress != "" && !c.TLS.Available() {
		return NewConfigValidationError("direct_tls_address", c.DirectTLSAddress,
			"direct TLS listener requires a certificate").
			WithSuggestion("Configure tls.cert_file and tls.key_file")
	}

	if c.Limits.MaxElementBytes < 0 || c.Limits.MaxDepth < 0 {
		return NewConfigValidationError("stream_limits", c.Limits, "limits must not be negative").
			WithSuggestion("Use 0 for the built-in defaults")
	}

	if c.RateLimit.ConnectionsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return NewConfigValidationError("rate_limit", c.RateLimit, "rate and burst must not be negative")
	}
	if c.RateLimit.ConnectionsPerSecond > 0 && c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = int(c.RateLimit.ConnectionsPerSecond) + 1
	}
	return nil
}

// Validate performs validation of dialback configuration
func (c *DialbackConfig) Validate() error {
	for field, d := range map[string]time.Duration{
		"read_timeout":       c.ReadTimeout,
		"validation_timeout": c.ValidationTimeout,
		"connect_timeout":    c.ConnectTimeout,
	} {
		if d <= 0 {
			return NewConfigValidationError(field, d, "timeout must be positive")
		}
	}
	return nil
}

// Set returns the inline permission policy and entries.
func (c *RemoteServersConfig) Set() domain.RemoteServerSet {
	return domain.RemoteServerSet{
		PermissionPolicy: c.PermissionPolicy,
		Servers:          append([]domain.RemoteServer(nil), c.Servers...),
	}
}

// Validate performs validation of remote server configuration
func (c *RemoteServersConfig) Validate() error {
	if err := ValidateRemoteServerSet(c.Set()); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.Rego.FailureMode)) {
	case "", "fail-open", "fail-closed":
	default:
		return NewConfigValidationError("rego.failure_mode", c.Rego.FailureMode, "unknown failure mode").
			WithSuggestion("Use fail-open or fail-closed")
	}
	return nil
}

// LoadRegoModules reads the configured Rego files keyed by file name.
func (c *RemoteServersConfig) LoadRegoModules() (map[string]string, error) {
	modules := make(map[string]string, len(c.Rego.Modules))
	for _, path := range c.Rego.Modules {
		//nolint:gosec // module paths come from operator configuration
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read rego module %s: %w", path, err)
		}
		modules[filepath.Base(path)] = string(data)
	}
	return modules, nil
}

// ValidateRemoteServerSet checks a permission policy and its entries.
func ValidateRemoteServerSet(set domain.RemoteServerSet) error {
	switch set.PermissionPolicy {
	case "", domain.PermissionBlacklist, domain.PermissionWhitelist:
	default:
		return NewConfigValidationError("permission_policy", set.PermissionPolicy, "unknown permission policy").
			WithSuggestion("Use blacklist or whitelist")
	}
	for i, server := range set.Servers {
		if domain.NormalizeDomain(server.Domain) == "" {
			return NewConfigMissingError(fmt.Sprintf("servers[%d].domain", i))
		}
		if server.Port < 0 || server.Port > 65535 {
			return NewConfigValidationError(fmt.Sprintf("servers[%d].port", i), server.Port, "port out of range")
		}
		switch server.Permission {
		case "", domain.PermissionAllowed, domain.PermissionBlocked:
		default:
			return NewConfigValidationError(fmt.Sprintf("servers[%d].permission", i), server.Permission,
				"unknown permission").
				WithSuggestion("Use allowed or blocked")
		}
	}
	return nil
}

// Validate performs validation of the secret cache configuration
func (c *SecretCacheConfig) Validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	switch c.Backend {
	case "", "memory":
		c.Backend = "memory"
	case "bolt":
		if strings.TrimSpace(c.BoltPath) == "" {
			return NewConfigMissingError("secret_cache.bolt_path")
		}
	case "redis":
		if len(c.RedisAddrs) == 0 {
			return NewConfigMissingError("secret_cache.redis_addrs").
				WithSuggestion("List at least one host:port, or export S2S_REDIS_ADDRS")
		}
	default:
		return NewConfigValidationError("secret_cache.backend", c.Backend, "unknown backend").
			WithSuggestion("Use memory, bolt or redis")
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	// Set default log level if not provided
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}
