package client

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Tier is a deployment environment.
type Tier string

const (
	TierDevelopment Tier = "development"
	TierStaging     Tier = "staging"
	TierProduction  Tier = "production"
)

// Config is the policy of one deployment tier. It is populated once at startup, from
// a preset or a file, and handed to the client with [WithConfig].
type Config struct {
	Tier    Tier   `yaml:"tier"`
	BaseURL string `yaml:"base_url"`

	TOFU                   bool   `yaml:"tofu"`
	AllowCertificateUpdate bool   `yaml:"allow_certificate_update"`
	RequireValidChain      bool   `yaml:"require_valid_chain"`
	Pins                   []Pin  `yaml:"pins"`
	PinDir                 string `yaml:"pin_dir"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	SendTimeout    time.Duration `yaml:"send_timeout"`
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`

	MaxRetryAttempts int           `yaml:"max_retry_attempts"`
	BaseRetryDelay   time.Duration `yaml:"base_retry_delay"`
	MaxRetryDelay    time.Duration `yaml:"max_retry_delay"`

	RefreshTimeout    time.Duration `yaml:"refresh_timeout"`
	TokenExpiryLeeway time.Duration `yaml:"token_expiry_leeway"`

	VerboseLogging bool `yaml:"verbose_logging"`

	TrustStore TrustStoreConfig `yaml:"trust_store"`
}

// TrustStoreConfig selects where trust records live.
type TrustStoreConfig struct {
	Backend     string `yaml:"backend"` // memory, file, redis
	Path        string `yaml:"path"`    // file backend
	RedisConfig `yaml:",inline"`
}

// DevelopmentConfig trusts unknown hosts on first use and follows certificate changes.
func DevelopmentConfig() Config {
	return Config{
		Tier:                   TierDevelopment,
		TOFU:                   true,
		AllowCertificateUpdate: true,
		ConnectTimeout:         30 * time.Second,
		SendTimeout:            30 * time.Second,
		ReceiveTimeout:         60 * time.Second,
		MaxRetryAttempts:       3,
		BaseRetryDelay:         time.Second,
		MaxRetryDelay:          5 * time.Second,
		RefreshTimeout:         30 * time.Second,
		TokenExpiryLeeway:      30 * time.Second,
		VerboseLogging:         true,
		TrustStore:             TrustStoreConfig{Backend: "memory"},
	}
}

// StagingConfig trusts on first use but rejects certificate changes.
func StagingConfig() Config {
	return Config{
		Tier:              TierStaging,
		TOFU:              true,
		ConnectTimeout:    20 * time.Second,
		SendTimeout:       20 * time.Second,
		ReceiveTimeout:    45 * time.Second,
		MaxRetryAttempts:  3,
		BaseRetryDelay:    time.Second,
		MaxRetryDelay:     5 * time.Second,
		RefreshTimeout:    30 * time.Second,
		TokenExpiryLeeway: 30 * time.Second,
		TrustStore:        TrustStoreConfig{Backend: "memory"},
	}
}

// ProductionConfig accepts only pre-provisioned fingerprints.
func ProductionConfig() Config {
	return Config{
		Tier:              TierProduction,
		RequireValidChain: true,
		ConnectTimeout:    15 * time.Second,
		SendTimeout:       15 * time.Second,
		ReceiveTimeout:    30 * time.Second,
		MaxRetryAttempts:  3,
		BaseRetryDelay:    time.Second,
		MaxRetryDelay:     5 * time.Second,
		RefreshTimeout:    20 * time.Second,
		TokenExpiryLeeway: time.Minute,
		TrustStore:        TrustStoreConfig{Backend: "memory"},
	}
}

// ConfigForTier returns the preset for tier.
func ConfigForTier(tier Tier) (Config, error) {
	switch Tier(strings.ToLower(string(tier))) {
	case TierDevelopment:
		return DevelopmentConfig(), nil
	case TierStaging:
		return StagingConfig(), nil
	case TierProduction, "":
		return ProductionConfig(), nil
	default:
		return Config{}, fmt.Errorf("unknown tier %q", tier)
	}
}

// LoadConfig reads a YAML config file. Environment variables in the file are
// expanded, and unset fields take the defaults of the file's tier.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var probe struct {
		Tier Tier `yaml:"tier"`
	}
	if err := yaml.Unmarshal([]byte(expanded), &probe); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg, err := ConfigForTier(probe.Tier)
	if err != nil {
		return nil, err
	}

	// Decoding over the preset keeps preset values for keys the file omits.
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Tier == "" {
		cfg.Tier = TierProduction
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate reports every inconsistent setting.
func (c Config) Validate() error {
	var errs []error

	if c.MaxRetryAttempts < 0 {
		errs = append(errs, errors.New("max_retry_attempts must not be negative"))
	}
	for name, d := range map[string]time.Duration{
		"connect_timeout":  c.ConnectTimeout,
		"send_timeout":     c.SendTimeout,
		"receive_timeout":  c.ReceiveTimeout,
		"base_retry_delay": c.BaseRetryDelay,
		"refresh_timeout":  c.RefreshTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.Tier == TierProduction && c.TOFU {
		errs = append(errs, errors.New("tofu must be disabled in production"))
	}
	switch c.TrustStore.Backend {
	case "", "memory":
	case "file":
		if c.TrustStore.Path == "" {
			errs = append(errs, errors.New("trust_store.path is required for the file backend"))
		}
	case "redis":
		if c.TrustStore.URL == "" {
			errs = append(errs, errors.New("trust_store.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown trust_store.backend %q", c.TrustStore.Backend))
	}

	return errors.Join(errs...)
}

// WithConfig applies every setting of cfg. Options given after it override it. Pins
// from cfg.PinDir are loaded here; a directory that cannot be read is reported by
// Connect.
func WithConfig(cfg Config) Option {
	return func(o *Options) {
		WithTOFU(cfg.TOFU)(o)
		WithAutomaticCertificateUpdate(cfg.AllowCertificateUpdate)(o)
		WithValidChainRequired(cfg.RequireValidChain)(o)
		WithPins(cfg.Pins...)(o)
		WithConnectTimeout(cfg.ConnectTimeout)(o)
		WithSendTimeout(cfg.SendTimeout)(o)
		WithReceiveTimeout(cfg.ReceiveTimeout)(o)
		WithRetryCount(cfg.MaxRetryAttempts)(o)
		WithRetryWaitTime(cfg.BaseRetryDelay)(o)
		WithRetryMaxWaitTime(cfg.MaxRetryDelay)(o)
		WithRefreshTimeout(cfg.RefreshTimeout)(o)
		WithTokenExpiryLeeway(cfg.TokenExpiryLeeway)(o)
		WithVerboseLogging(cfg.VerboseLogging)(o)

		if cfg.PinDir != "" {
			fingerprints, err := LoadPinsFromDir(cfg.PinDir)
			if err != nil {
				o.configErr = errors.Join(o.configErr, fmt.Errorf("pin_dir: %w", err))
				return
			}
			for _, fp := range fingerprints {
				o.pins = append(o.pins, Pin{Fingerprint: fp})
			}
		}
	}
}
