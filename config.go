package regsso

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s"
// or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full configuration tree for a regsso server. Values are
// fixed at build time; the engine never re-reads configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	OIDC       OIDCConfig       `yaml:"oidc"`
	Middleware MiddlewareConfig `yaml:"middleware"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Listen is the bind address, e.g. ":4873".
	Listen string `yaml:"listen" validate:"required"`
	// PublicURL is the externally reachable base URL used when building
	// the browser redirect and callback URLs. Falls back to the request
	// host when empty.
	PublicURL string `yaml:"public_url" validate:"omitempty,url"`
}

// StoreConfig selects the record store adapter. Exactly one adapter must be
// configured; zero or both is a configuration error, never a silent default.
type StoreConfig struct {
	Memory *MemoryStoreConfig `yaml:"memory"`
	Redis  *RedisStoreConfig  `yaml:"redis"`
}

// MemoryStoreConfig enables the volatile in-process adapter. It has no
// options; its presence in the config selects it.
type MemoryStoreConfig struct{}

// RedisStoreConfig enables the shared Redis adapter.
type RedisStoreConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Prefix namespaces keys and channels, default "regsso".
	Prefix string `yaml:"prefix"`
	// RecordTTL expires abandoned records. Zero keeps them forever.
	RecordTTL Duration `yaml:"record_ttl"`
}

// OIDCConfig configures the relying-party side of the identity flow.
type OIDCConfig struct {
	IssuerURL    string   `yaml:"issuer_url" validate:"required,url"`
	ClientID     string   `yaml:"client_id" validate:"required"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// MiddlewareConfig configures the HTTP bridging behavior.
type MiddlewareConfig struct {
	// RequestTimeout bounds how long a single whoami long-poll is held
	// open. Zero holds the request until the flow finishes or the client
	// gives up.
	RequestTimeout Duration `yaml:"request_timeout"`
}

// DefaultConfig returns the baseline every loaded config is merged over.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ":4873",
		},
		OIDC: OIDCConfig{
			Scopes: []string{"openid", "profile", "email"},
		},
		Middleware: MiddlewareConfig{
			RequestTimeout: Duration(50 * time.Second),
		},
	}
}

// LoadConfig reads a YAML config file, expanding ${VAR} references from the
// environment so secrets stay out of the file itself.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks structural constraints. LoadConfig calls it on every
// loaded file; configs assembled in code can call it directly.
func (c Config) Validate() error {
	enabled := 0
	if c.Store.Memory != nil {
		enabled++
	}
	if c.Store.Redis != nil {
		enabled++
	}
	switch enabled {
	case 0:
		return fmt.Errorf("no store adapter configured: enable exactly one of store.memory, store.redis")
	case 1:
	default:
		return fmt.Errorf("more than one store adapter configured: enable exactly one of store.memory, store.redis")
	}

	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
