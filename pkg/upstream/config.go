package upstream

import (
	"fmt"
	"strings"

	koanfjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Kind identifies the transport used to reach an upstream server.
type Kind string

const (
	KindStdio        Kind = "stdio"
	KindModernHTTP   Kind = "modern-http"
	KindLegacySSE    Kind = "legacy-sse"
	KindHTTPFallback Kind = "http-with-fallback"
)

// Separators reserved by the public namespacing scheme. Upstream names must
// not contain either, or the split-on-first-separator routing would become
// ambiguous.
const (
	toolSeparator     = "."
	resourceSeparator = "://"
)

// ServerConfig is one entry of the configuration file's mcpServers map.
// Exactly one of Command and URL must be set; Type narrows or overrides the
// inferred transport.
type ServerConfig struct {
	Command string            `json:"command,omitempty" koanf:"command"`
	Args    []string          `json:"args,omitempty" koanf:"args"`
	Env     map[string]string `json:"env,omitempty" koanf:"env"`
	URL     string            `json:"url,omitempty" koanf:"url"`

	// Type is "stdio", "http" (probe with fallback), "sse" (force legacy),
	// or "stream" (force modern). Empty means infer from Command/URL.
	Type string `json:"type,omitempty" koanf:"type"`
}

// Kind resolves the transport kind for this entry.
func (c ServerConfig) Kind() (Kind, error) {
	switch c.Type {
	case "stdio":
		if c.Command == "" {
			return "", fmt.Errorf("type %q requires a command", c.Type)
		}
		return KindStdio, nil
	case "sse", "stream", "http":
		if c.URL == "" {
			return "", fmt.Errorf("type %q requires a url", c.Type)
		}
		switch c.Type {
		case "sse":
			return KindLegacySSE, nil
		case "stream":
			return KindModernHTTP, nil
		default:
			return KindHTTPFallback, nil
		}
	case "":
		if c.Command != "" {
			return KindStdio, nil
		}
		if c.URL != "" {
			return KindHTTPFallback, nil
		}
		return "", fmt.Errorf("either command or url is required")
	default:
		return "", fmt.Errorf("unknown server type %q", c.Type)
	}
}

// Config is the parsed gateway configuration file.
type Config struct {
	Servers map[string]ServerConfig `koanf:"mcpServers"`
}

// LoadConfig reads and validates the JSON configuration file at path.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), koanfjson.Parser()); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the invariants the rest of the gateway relies on: at least
// one server, names free of the reserved separators, and a resolvable
// transport kind per entry.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("mcpServers must contain at least one entry")
	}
	for name, sc := range c.Servers {
		if name == "" {
			return fmt.Errorf("server names must be non-empty")
		}
		if strings.Contains(name, toolSeparator) {
			return fmt.Errorf("server name %q must not contain %q", name, toolSeparator)
		}
		if strings.Contains(name, resourceSeparator) {
			return fmt.Errorf("server name %q must not contain %q", name, resourceSeparator)
		}
		if sc.Command != "" && sc.URL != "" {
			return fmt.Errorf("server %q: command and url are mutually exclusive", name)
		}
		if _, err := sc.Kind(); err != nil {
			return fmt.Errorf("server %q: %w", name, err)
		}
	}
	return nil
}
