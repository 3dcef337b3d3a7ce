// Package config handles loading, validating, and defaulting wsintercept configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Output/format constants for configuration defaults.
const (
	DefaultListen        = "127.0.0.1:8443"
	DefaultMetricsListen = "127.0.0.1:9090"
	DefaultLogFormat     = "json"
	DefaultLogOutput     = "stdout"
	OutputFile           = "file"
	OutputBoth           = "both"
)

// Handler tag constants, matching the wire tags a RuleConfig.Handler must
// be one of.
const (
	HandlerPassthrough     = "ws-passthrough"
	HandlerEcho            = "ws-echo"
	HandlerListen          = "ws-listen"
	HandlerReject          = "ws-reject"
	HandlerCloseConnection = "close-connection"
	HandlerResetConnection = "reset-connection"
	HandlerTimeout         = "timeout"
)

// Config is the top-level wsintercept configuration.
type Config struct {
	Version        int            `yaml:"version"`
	Server         Server         `yaml:"server"`
	WebSocketProxy WebSocketProxy `yaml:"websocket_proxy"`
	Rules          []RuleConfig   `yaml:"rules"`
	Logging        LoggingConfig  `yaml:"logging"`
}

// Server configures the downstream listener that terminates incoming
// WebSocket upgrade requests.
type Server struct {
	Listen        string `yaml:"listen"`
	TLSCertFile   string `yaml:"tls_cert_file"`
	TLSKeyFile    string `yaml:"tls_key_file"`
	MetricsListen string `yaml:"metrics_listen"` // empty disables /metrics, /stats, /health
}

// WebSocketProxy carries the Passthrough connection options plus the
// resource limits that bound every session regardless of handler variant.
type WebSocketProxy struct {
	MaxMessageBytes          int    `yaml:"max_message_bytes"`
	MaxConcurrentConnections int    `yaml:"max_concurrent_connections"`
	MaxConnectionSeconds     int    `yaml:"max_connection_seconds"`
	IdleTimeoutSeconds       int    `yaml:"idle_timeout_seconds"`

	IgnoreHostHTTPSErrors    []string                     `yaml:"ignore_host_https_errors"` // ["*"] ignores for every host
	TrustAdditionalCAs       []TrustAdditionalCAConfig     `yaml:"trust_additional_cas"`
	ClientCertificateHostMap map[string]ClientCertConfig   `yaml:"client_certificate_host_map"`
	ProxyConfig              []string                      `yaml:"proxy_config"` // ordered list of proxy URLs, first wins
	LookupOptions            *LookupOptionsConfig          `yaml:"lookup_options"`
}

// TrustAdditionalCAConfig is one additional CA entry, inline PEM or a path
// to read it from.
type TrustAdditionalCAConfig struct {
	Cert     string `yaml:"cert"`
	CertPath string `yaml:"cert_path"`
}

// ClientCertConfig is one clientCertificateHostMap entry for mutual TLS.
type ClientCertConfig struct {
	PFXPath    string `yaml:"pfx"`
	Passphrase string `yaml:"passphrase"`
}

// LookupOptionsConfig configures the caching DNS resolver. Presence of this
// section (even empty) switches a passthrough dial from the system resolver
// to the cache.
type LookupOptionsConfig struct {
	MaxTTLSeconds   int      `yaml:"max_ttl_seconds"`
	ErrorTTLSeconds int      `yaml:"error_ttl_seconds"`
	Servers         []string `yaml:"servers"`
}

// MatchConfig is a Rule's matching criteria: both fields are glob-style
// patterns (`*` wildcards); an empty pattern matches anything.
type MatchConfig struct {
	HostPattern string `yaml:"host_pattern"`
	PathPattern string `yaml:"path_pattern"`
}

// RuleConfig is one statically-configured Rule, loaded at startup and bound
// in priority order (earlier entries match first).
type RuleConfig struct {
	ID             string         `yaml:"id"`
	Match          MatchConfig    `yaml:"match"`
	Handler        string         `yaml:"handler"`
	HandlerOptions map[string]any `yaml:"handler_options"`
	Times          int            `yaml:"times"` // 0 = unlimited
	Record         bool           `yaml:"record"`
}

// LoggingConfig configures audit logging.
type LoggingConfig struct {
	Format         string `yaml:"format"` // json, text
	Output         string `yaml:"output"` // stdout, file, both
	File           string `yaml:"file"`
	IncludeAllowed bool   `yaml:"include_allowed"`
	IncludeBlocked bool   `yaml:"include_blocked"`
}

// Load reads, parses, defaults, and validates a wsintercept config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path from caller
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.ApplyDefaults()

	// Resolve relative cert/key/CA paths relative to the config file directory.
	dir := filepath.Dir(path)
	if cfg.Server.TLSCertFile != "" && !filepath.IsAbs(cfg.Server.TLSCertFile) {
		cfg.Server.TLSCertFile = filepath.Join(dir, cfg.Server.TLSCertFile)
	}
	if cfg.Server.TLSKeyFile != "" && !filepath.IsAbs(cfg.Server.TLSKeyFile) {
		cfg.Server.TLSKeyFile = filepath.Join(dir, cfg.Server.TLSKeyFile)
	}
	for i, ca := range cfg.WebSocketProxy.TrustAdditionalCAs {
		if ca.CertPath != "" && !filepath.IsAbs(ca.CertPath) {
			cfg.WebSocketProxy.TrustAdditionalCAs[i].CertPath = filepath.Join(dir, ca.CertPath)
		}
	}
	for host, cc := range cfg.WebSocketProxy.ClientCertificateHostMap {
		if cc.PFXPath != "" && !filepath.IsAbs(cc.PFXPath) {
			cc.PFXPath = filepath.Join(dir, cc.PFXPath)
			cfg.WebSocketProxy.ClientCertificateHostMap[host] = cc
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ApplyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Server.MetricsListen == "" {
		c.Server.MetricsListen = DefaultMetricsListen
	}
	if c.WebSocketProxy.MaxMessageBytes <= 0 {
		c.WebSocketProxy.MaxMessageBytes = 1048576 // 1MB
	}
	if c.WebSocketProxy.MaxConcurrentConnections <= 0 {
		c.WebSocketProxy.MaxConcurrentConnections = 128
	}
	if c.WebSocketProxy.MaxConnectionSeconds <= 0 {
		c.WebSocketProxy.MaxConnectionSeconds = 3600
	}
	if c.WebSocketProxy.IdleTimeoutSeconds <= 0 {
		c.WebSocketProxy.IdleTimeoutSeconds = 300
	}
	for i := range c.Rules {
		if c.Rules[i].ID == "" {
			c.Rules[i].ID = fmt.Sprintf("rule-%d", i)
		}
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Logging.Output == "" {
		c.Logging.Output = DefaultLogOutput
	}
}

// Validate checks the config for errors. Must be called after ApplyDefaults.
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case DefaultLogFormat, "text":
		// valid
	default:
		return fmt.Errorf("invalid logging format %q: must be json or text", c.Logging.Format)
	}

	switch c.Logging.Output {
	case DefaultLogOutput, OutputFile, OutputBoth:
		// valid
	default:
		return fmt.Errorf("invalid logging output %q: must be stdout, file, or both", c.Logging.Output)
	}

	if (c.Logging.Output == OutputFile || c.Logging.Output == OutputBoth) && c.Logging.File == "" {
		return fmt.Errorf("logging.file is required when output is %q", c.Logging.Output)
	}

	if c.WebSocketProxy.MaxMessageBytes <= 0 {
		return fmt.Errorf("websocket_proxy.max_message_bytes must be positive")
	}
	if c.WebSocketProxy.MaxConcurrentConnections <= 0 {
		return fmt.Errorf("websocket_proxy.max_concurrent_connections must be positive")
	}
	if c.WebSocketProxy.MaxConnectionSeconds <= 0 {
		return fmt.Errorf("websocket_proxy.max_connection_seconds must be positive")
	}
	if c.WebSocketProxy.IdleTimeoutSeconds <= 0 {
		return fmt.Errorf("websocket_proxy.idle_timeout_seconds must be positive")
	}

	for _, ca := range c.WebSocketProxy.TrustAdditionalCAs {
		if ca.Cert == "" && ca.CertPath == "" {
			return fmt.Errorf("trust_additional_cas entry must set cert or cert_path")
		}
	}
	for host, cc := range c.WebSocketProxy.ClientCertificateHostMap {
		if cc.PFXPath == "" {
			return fmt.Errorf("client_certificate_host_map[%q] missing pfx", host)
		}
	}
	for _, proxyURL := range c.WebSocketProxy.ProxyConfig {
		if proxyURL == "" {
			return fmt.Errorf("proxy_config entry must not be empty")
		}
	}

	seen := map[string]bool{}
	for i, r := range c.Rules {
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true

		switch r.Handler {
		case HandlerPassthrough, HandlerEcho, HandlerListen, HandlerReject,
			HandlerCloseConnection, HandlerResetConnection, HandlerTimeout:
			// valid
		default:
			return fmt.Errorf("rule %q has invalid handler %q", r.ID, r.Handler)
		}
		if r.Match.HostPattern != "" {
			if _, err := filepath.Match(r.Match.HostPattern, "example.com"); err != nil {
				return fmt.Errorf("rule %q has invalid match.host_pattern: %w", r.ID, err)
			}
		}
		if r.Match.PathPattern != "" {
			if _, err := filepath.Match(r.Match.PathPattern, "/ws"); err != nil {
				return fmt.Errorf("rule %q has invalid match.path_pattern: %w", r.ID, err)
			}
		}
		if r.Times < 0 {
			return fmt.Errorf("rule %q: times must be zero or positive", r.ID)
		}
		_ = i
	}

	if host, _, err := net.SplitHostPort(c.Server.Listen); err == nil {
		ip := net.ParseIP(host)
		if ip != nil && !ip.IsLoopback() {
			fmt.Fprintf(os.Stderr, "WARNING: listen address %s is not loopback - the proxy will be exposed to the network\n", c.Server.Listen)
		}
		if host == "" || host == "0.0.0.0" || host == "::" {
			fmt.Fprintf(os.Stderr, "WARNING: listen address %s binds to all interfaces - consider using 127.0.0.1 for local-only access\n", c.Server.Listen)
		}
	}

	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return fmt.Errorf("server.tls_cert_file and server.tls_key_file must be set together")
	}

	return nil
}

// ReloadWarning describes a potential security downgrade from a config reload.
type ReloadWarning struct {
	Field   string
	Message string
}

// ValidateReload compares old and new configs and returns warnings for
// potential security downgrades. Warnings don't block the reload.
func ValidateReload(old, updated *Config) []ReloadWarning {
	var warnings []ReloadWarning

	if len(old.WebSocketProxy.IgnoreHostHTTPSErrors) == 0 && len(updated.WebSocketProxy.IgnoreHostHTTPSErrors) > 0 {
		warnings = append(warnings, ReloadWarning{
			Field:   "websocket_proxy.ignore_host_https_errors",
			Message: fmt.Sprintf("TLS verification now ignored for %d host(s)", len(updated.WebSocketProxy.IgnoreHostHTTPSErrors)),
		})
	}

	if len(old.WebSocketProxy.TrustAdditionalCAs) > 0 && len(updated.WebSocketProxy.TrustAdditionalCAs) == 0 {
		warnings = append(warnings, ReloadWarning{
			Field:   "websocket_proxy.trust_additional_cas",
			Message: "additional trusted CA list emptied",
		})
	}

	oldByID := make(map[string]RuleConfig, len(old.Rules))
	for _, r := range old.Rules {
		oldByID[r.ID] = r
	}
	for _, r := range updated.Rules {
		prev, ok := oldByID[r.ID]
		if !ok {
			continue
		}
		if prev.Handler == HandlerReject && r.Handler == HandlerPassthrough {
			warnings = append(warnings, ReloadWarning{
				Field:   fmt.Sprintf("rules[%s].handler", r.ID),
				Message: "rule changed from reject to passthrough — traffic that was blocked now reaches a real upstream",
			})
		}
	}

	if len(updated.Rules) < len(old.Rules) {
		warnings = append(warnings, ReloadWarning{
			Field:   "rules",
			Message: fmt.Sprintf("rule count reduced from %d to %d", len(old.Rules), len(updated.Rules)),
		})
	}

	return warnings
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Version: 1,
		Server: Server{
			Listen:        DefaultListen,
			MetricsListen: DefaultMetricsListen,
		},
		WebSocketProxy: WebSocketProxy{
			MaxMessageBytes:          1048576,
			MaxConcurrentConnections: 128,
			MaxConnectionSeconds:     3600,
			IdleTimeoutSeconds:       300,
		},
		Logging: LoggingConfig{
			Format:         DefaultLogFormat,
			Output:         DefaultLogOutput,
			IncludeAllowed: true,
			IncludeBlocked: true,
		},
	}
}
