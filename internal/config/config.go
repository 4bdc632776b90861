package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/attribute"
)

// Supported carrier names.
const (
	CarrierDHL = "dhl"
	CarrierGLS = "gls"
)

var knownCarriers = map[string]bool{CarrierDHL: true, CarrierGLS: true}

// Config holds all configuration for the service.
type Config struct {
	// Server
	Port     int    `envconfig:"PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Global carrier budget, inherited by carriers that set none.
	TimeoutMS      int           `envconfig:"SHIPPING_TIMEOUT_MS" default:"30000"`
	MaxRetries     int           `envconfig:"SHIPPING_MAX_RETRIES" default:"3"`
	RetryBaseDelay time.Duration `envconfig:"SHIPPING_RETRY_BASE_DELAY" default:"500ms"`

	TokenRefreshMargin time.Duration `envconfig:"TOKEN_REFRESH_MARGIN" default:"60s"`
	IdempotencyTTL     time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	RedisURL           string        `envconfig:"REDIS_URL"`
	CarriersFile       string        `envconfig:"CARRIERS_FILE"`

	DHL CarrierEnv `envconfig:"DHL"`
	GLS CarrierEnv `envconfig:"GLS"`

	// Telemetry
	OTELEnabled  bool   `envconfig:"OTEL_ENABLED" default:"false"`
	OTELEndpoint string `envconfig:"OTEL_ENDPOINT" default:"http://localhost:4318"`
	ServiceName  string `envconfig:"SERVICE_NAME" default:"carrierlink"`
	Version      string `envconfig:"SERVICE_VERSION" default:"0.0.1"`

	// fileCarriers are the entries read from CarriersFile.
	fileCarriers []CarrierSettings
}

// CarrierEnv is the environment block of one carrier, read from
// <CARRIER>_ENABLED, <CARRIER>_BASE_URL and so on.
type CarrierEnv struct {
	Enabled      bool   `envconfig:"ENABLED" default:"true"`
	BaseURL      string `envconfig:"BASE_URL"`
	Environment  string `envconfig:"ENVIRONMENT" default:"sandbox"`
	Username     string `envconfig:"USERNAME"`
	Password     string `envconfig:"PASSWORD"`
	ClientID     string `envconfig:"CLIENT_ID"`
	ClientSecret string `envconfig:"CLIENT_SECRET"`
	Profile      string `envconfig:"PROFILE"`
	ShipperID    string `envconfig:"SHIPPER_ID"`
	TimeoutMS    int    `envconfig:"TIMEOUT_MS"`
	MaxRetries   int    `envconfig:"MAX_RETRIES"`
	UseMock      bool   `envconfig:"USE_MOCK" default:"false"`
}

// Credentials of one carrier. Which fields apply depends on the carrier.
type Credentials struct {
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	ClientID     string `mapstructure:"clientId"`
	ClientSecret string `mapstructure:"clientSecret"`
	Profile      string `mapstructure:"profile"`
	ShipperID    string `mapstructure:"shipperId"`
}

// CarrierSettings is the resolved configuration of one carrier.
type CarrierSettings struct {
	Carrier     string      `mapstructure:"carrier"`
	Enabled     *bool       `mapstructure:"enabled"`
	BaseURL     string      `mapstructure:"baseUrl"`
	Environment string      `mapstructure:"environment"`
	Credentials Credentials `mapstructure:"credentials"`
	TimeoutMS   int         `mapstructure:"timeoutMs"`
	MaxRetries  int         `mapstructure:"maxRetries"`
	UseMock     bool        `mapstructure:"useMock"`
}

// Timeout returns TimeoutMS as a duration.
func (c CarrierSettings) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// Load reads configuration from environment variables and, if
// CARRIERS_FILE is set, from the carriers file.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.CarriersFile != "" {
		carriers, err := LoadCarriersFile(cfg.CarriersFile)
		if err != nil {
			return nil, err
		}
		cfg.fileCarriers = carriers
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadCarriersFile reads a YAML, JSON or TOML file holding a "carriers" list.
func LoadCarriersFile(path string) ([]CarrierSettings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading carriers file: %w", err)
	}

	var carriers []CarrierSettings
	if err := v.UnmarshalKey("carriers", &carriers); err != nil {
		return nil, fmt.Errorf("decoding carriers file: %w", err)
	}
	for i := range carriers {
		carriers[i].Carrier = strings.ToLower(strings.TrimSpace(carriers[i].Carrier))
	}
	return carriers, nil
}

// WithCarriersFile returns a copy of c using the given file entries.
func (c Config) WithCarriersFile(carriers []CarrierSettings) *Config {
	c.fileCarriers = carriers
	return &c
}

// Timeout returns the global per-operation timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// Carriers returns the enabled carriers sorted by name. File entries
// override the environment field by field; zero budgets inherit the global
// ones.
func (c *Config) Carriers() []CarrierSettings {
	byName := map[string]CarrierSettings{
		CarrierDHL: fromEnv(CarrierDHL, c.DHL),
		CarrierGLS: fromEnv(CarrierGLS, c.GLS),
	}
	for _, f := range c.fileCarriers {
		byName[f.Carrier] = merge(byName[f.Carrier], f)
	}

	result := make([]CarrierSettings, 0, len(byName))
	for _, s := range byName {
		if s.Enabled != nil && !*s.Enabled {
			continue
		}
		if s.TimeoutMS <= 0 {
			s.TimeoutMS = c.TimeoutMS
		}
		if s.MaxRetries <= 0 {
			s.MaxRetries = c.MaxRetries
		}
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Carrier < result[j].Carrier })
	return result
}

func fromEnv(name string, e CarrierEnv) CarrierSettings {
	enabled := e.Enabled
	return CarrierSettings{
		Carrier:     name,
		Enabled:     &enabled,
		BaseURL:     e.BaseURL,
		Environment: e.Environment,
		Credentials: Credentials{
			Username:     e.Username,
			Password:     e.Password,
			ClientID:     e.ClientID,
			ClientSecret: e.ClientSecret,
			Profile:      e.Profile,
			ShipperID:    e.ShipperID,
		},
		TimeoutMS:  e.TimeoutMS,
		MaxRetries: e.MaxRetries,
		UseMock:    e.UseMock,
	}
}

func merge(base, override CarrierSettings) CarrierSettings {
	base.Carrier = override.Carrier
	if override.Enabled != nil {
		base.Enabled = override.Enabled
	} else if base.Enabled == nil || !*base.Enabled {
		// Listing a carrier in the file enables it.
		enabled := true
		base.Enabled = &enabled
	}
	base.BaseURL = firstNonEmpty(override.BaseURL, base.BaseURL)
	base.Environment = firstNonEmpty(override.Environment, base.Environment)
	base.Credentials.Username = firstNonEmpty(override.Credentials.Username, base.Credentials.Username)
	base.Credentials.Password = firstNonEmpty(override.Credentials.Password, base.Credentials.Password)
	base.Credentials.ClientID = firstNonEmpty(override.Credentials.ClientID, base.Credentials.ClientID)
	base.Credentials.ClientSecret = firstNonEmpty(override.Credentials.ClientSecret, base.Credentials.ClientSecret)
	base.Credentials.Profile = firstNonEmpty(override.Credentials.Profile, base.Credentials.Profile)
	base.Credentials.ShipperID = firstNonEmpty(override.Credentials.ShipperID, base.Credentials.ShipperID)
	if override.TimeoutMS > 0 {
		base.TimeoutMS = override.TimeoutMS
	}
	if override.MaxRetries > 0 {
		base.MaxRetries = override.MaxRetries
	}
	base.UseMock = base.UseMock || override.UseMock
	return base
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Validate checks budgets and carrier names.
func (c *Config) Validate() error {
	var errs []error
	if c.TimeoutMS <= 0 {
		errs = append(errs, errors.New("SHIPPING_TIMEOUT_MS must be positive"))
	}
	if c.MaxRetries <= 0 {
		errs = append(errs, errors.New("SHIPPING_MAX_RETRIES must be positive"))
	}
	if c.RetryBaseDelay <= 0 {
		errs = append(errs, errors.New("SHIPPING_RETRY_BASE_DELAY must be positive"))
	}
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("IDEMPOTENCY_TTL must be positive"))
	}

	seen := make(map[string]bool)
	for i, f := range c.fileCarriers {
		switch {
		case !knownCarriers[f.Carrier]:
			errs = append(errs, fmt.Errorf("carriers[%d]: unknown carrier %q", i, f.Carrier))
		case seen[f.Carrier]:
			errs = append(errs, fmt.Errorf("carriers[%d]: carrier %q listed twice", i, f.Carrier))
		}
		seen[f.Carrier] = true
		if f.TimeoutMS < 0 || f.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("carriers[%d]: budgets must not be negative", i))
		}
	}
	if c.DHL.TimeoutMS < 0 || c.DHL.MaxRetries < 0 || c.GLS.TimeoutMS < 0 || c.GLS.MaxRetries < 0 {
		errs = append(errs, errors.New("carrier budgets must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Attributes returns OpenTelemetry attributes for this configuration.
func (c *Config) Attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", c.ServiceName),
		attribute.String("service.version", c.Version),
	}
	for _, s := range c.Carriers() {
		attrs = append(attrs, attribute.Bool(s.Carrier+".enabled", true))
	}
	return attrs
}
