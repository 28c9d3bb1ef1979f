// Package config provides configuration structures and loading logic for the
// documentation platform.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Config holds the global configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Domains     DomainsConfig     `yaml:"domains"`
	Storage     StorageConfig     `yaml:"storage"`
	Media       MediaConfig       `yaml:"media"`
	Queue       QueueConfig       `yaml:"queue"`
	Builder     BuilderConfig     `yaml:"builder"`
	API         APIConfig         `yaml:"api"`
	OAuth       OAuthConfig       `yaml:"oauth"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Bootstrap   BootstrapConfig   `yaml:"bootstrap"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds configuration for the HTTP servers.
type ServerConfig struct {
	DocsAddress     string        `yaml:"docs_address"`
	APIAddress      string        `yaml:"api_address"`
	AdminAddress    string        `yaml:"admin_address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TLS             *TLSConfig    `yaml:"tls,omitempty"`
}

// DomainsConfig describes the hostnames the platform answers on.
type DomainsConfig struct {
	// ProductionDomain serves the dashboard and the APIs.
	ProductionDomain string `yaml:"production_domain" validate:"required"`
	// PublicDomain serves documentation as <slug>.<public domain>.
	PublicDomain          string `yaml:"public_domain" validate:"required"`
	PublicDomainUsesHTTPS bool   `yaml:"public_domain_uses_https"`
	UseSubdomain          bool   `yaml:"use_subdomain"`
	UseXForwardedHost     bool   `yaml:"use_x_forwarded_host"`
	ExternalVersionDomain string `yaml:"external_version_domain"`
	PublicAPIURL          string `yaml:"public_api_url"`
}

// StorageConfig selects the metadata store.
type StorageConfig struct {
	Backend    string        `yaml:"backend" validate:"oneof=memory badger"`
	Path       string        `yaml:"path"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

// MediaConfig selects where built documentation lives.
type MediaConfig struct {
	Backend  string `yaml:"backend" validate:"oneof=filesystem gcs"`
	Root     string `yaml:"root"`
	Bucket   string `yaml:"bucket"`
	MediaURL string `yaml:"media_url"`
	// CredentialsFile is a service account key for the gcs backend. When
	// empty the application default credentials are used.
	CredentialsFile string `yaml:"credentials_file"`
}

// QueueConfig selects the task broker.
type QueueConfig struct {
	Broker     string        `yaml:"broker" validate:"oneof=memory nats"`
	URL        string        `yaml:"url"`
	Workers    int           `yaml:"workers" validate:"gte=0"`
	QueueSize  int           `yaml:"queue_size" validate:"gte=0"`
	RatePerSec float64       `yaml:"rate_per_sec" validate:"gte=0"`
	Queues     []string      `yaml:"queues"`
	MaxRetries int           `yaml:"max_retries" validate:"gte=0"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// BuilderConfig configures documentation builds.
type BuilderConfig struct {
	TemplateDir         string `yaml:"template_dir"`
	VenvBinDir          string `yaml:"venv_bin_dir"`
	Python              string `yaml:"python"`
	GlobalAnalyticsCode string `yaml:"global_analytics_code"`
	APIHost             string `yaml:"api_host"`
	APIUsername         string `yaml:"api_username"`
	APIPassword         string `yaml:"api_password"`
	DocRoot             string `yaml:"doc_root"`
}

// APIConfig configures the REST APIs.
type APIConfig struct {
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" validate:"gte=0"`
	RateLimitBurst  int     `yaml:"rate_limit_burst" validate:"gte=0"`
	PageSize        int     `yaml:"page_size" validate:"gte=0"`
}

// OAuthConfig holds VCS provider endpoints.
type OAuthConfig struct {
	GitHubURL    string `yaml:"github_url"`
	GitLabURL    string `yaml:"gitlab_url"`
	BitbucketURL string `yaml:"bitbucket_url"`
	WebhookHost  string `yaml:"webhook_host"`
}

// PermissionsConfig configures authorization.
type PermissionsConfig struct {
	OrganizationsEnabled bool   `yaml:"organizations_enabled"`
	PolicyFile           string `yaml:"policy_file"`
}

// BootstrapConfig points at a seed file loaded into the store at startup.
type BootstrapConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	Environment  string `yaml:"environment"`
	// Redact maps span attribute keys to drop, mask, hash or replace.
	Redact map[string]string `yaml:"redact"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			DocsAddress:     ":8080",
			APIAddress:      ":8000",
			AdminAddress:    ":19090",
			ShutdownTimeout: 10 * time.Second,
		},
		Domains: DomainsConfig{
			ProductionDomain:  "readthedocs.org",
			PublicDomain:      "readthedocs.io",
			UseSubdomain:      true,
			UseXForwardedHost: false,
		},
		Storage: StorageConfig{
			Backend:    "memory",
			GCInterval: 5 * time.Minute,
		},
		Media: MediaConfig{
			Backend:  "filesystem",
			Root:     "media",
			MediaURL: "/media/",
		},
		Queue: QueueConfig{
			Broker:     "memory",
			Workers:    4,
			QueueSize:  256,
			Queues:     []string{"default", "build", "resync-oauth", "web"},
			MaxRetries: 3,
			RetryDelay: time.Second,
		},
		Builder: BuilderConfig{
			TemplateDir:         "templates/mkdocs/readthedocs",
			Python:              "python",
			GlobalAnalyticsCode: "UA-17997319-1",
			APIHost:             "https://readthedocs.org",
			DocRoot:             "user_builds",
		},
		API: APIConfig{
			RateLimitPerSec: 10,
			RateLimitBurst:  20,
			PageSize:        50,
		},
		OAuth: OAuthConfig{
			GitHubURL:    "https://api.github.com",
			GitLabURL:    "https://gitlab.com/api/v4",
			BitbucketURL: "https://api.bitbucket.org/2.0",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "rtd",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
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
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// EnvBool reads a boolean environment variable. Only "true", "1" and "t"
// (any case) are truthy; an unset variable yields def.
func EnvBool(key string, def bool) bool {
	val, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	switch strings.ToLower(val) {
	case "true", "1", "t":
		return true
	default:
		return false
	}
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func applyEnvOverrides(cfg *Config) {
	envString("RTD_DOCS_ADDR", &cfg.Server.DocsAddress)
	envString("RTD_API_ADDR", &cfg.Server.APIAddress)
	envString("RTD_ADMIN_ADDR", &cfg.Server.AdminAddress)

	envString("RTD_PRODUCTION_DOMAIN", &cfg.Domains.ProductionDomain)
	envString("RTD_PUBLIC_DOMAIN", &cfg.Domains.PublicDomain)
	envString("RTD_EXTERNAL_VERSION_DOMAIN", &cfg.Domains.ExternalVersionDomain)
	envString("PUBLIC_API_URL", &cfg.Domains.PublicAPIURL)
	cfg.Domains.UseSubdomain = EnvBool("USE_SUBDOMAIN", cfg.Domains.UseSubdomain)
	cfg.Domains.UseXForwardedHost = EnvBool("USE_X_FORWARDED_HOST", cfg.Domains.UseXForwardedHost)
	cfg.Domains.PublicDomainUsesHTTPS = EnvBool("RTD_PUBLIC_DOMAIN_USES_HTTPS", cfg.Domains.PublicDomainUsesHTTPS)

	envString("RTD_STORAGE_BACKEND", &cfg.Storage.Backend)
	envString("RTD_STORAGE_PATH", &cfg.Storage.Path)

	envString("RTD_MEDIA_BACKEND", &cfg.Media.Backend)
	envString("RTD_MEDIA_ROOT", &cfg.Media.Root)
	envString("RTD_MEDIA_BUCKET", &cfg.Media.Bucket)
	envString("RTD_MEDIA_URL", &cfg.Media.MediaURL)
	envString("GOOGLE_APPLICATION_CREDENTIALS", &cfg.Media.CredentialsFile)

	if val := os.Getenv("BROKER_URL"); val != "" {
		cfg.Queue.URL = val
		if strings.HasPrefix(val, "nats://") {
			cfg.Queue.Broker = "nats"
		}
	}
	if val := os.Getenv("RTD_QUEUE_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Queue.Workers = n
		}
	}

	envString("SLUMBER_API_HOST", &cfg.Builder.APIHost)
	envString("SLUMBER_USERNAME", &cfg.Builder.APIUsername)
	envString("SLUMBER_PASSWORD", &cfg.Builder.APIPassword)
	envString("RTD_TEMPLATE_DIR", &cfg.Builder.TemplateDir)
	envString("RTD_GLOBAL_ANALYTICS_CODE", &cfg.Builder.GlobalAnalyticsCode)

	cfg.Permissions.OrganizationsEnabled = EnvBool("RTD_ALLOW_ORGANIZATIONS", cfg.Permissions.OrganizationsEnabled)

	envString("RTD_BOOTSTRAP_FILE", &cfg.Bootstrap.File)

	envString("RTD_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	cfg.Telemetry.Insecure = EnvBool("RTD_OTLP_INSECURE", cfg.Telemetry.Insecure)

	envString("RTD_LOG_LEVEL", &cfg.Logging.Level)

	if EnvBool("RTD_TLS_ENABLED", false) {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{}
		}
		cfg.Server.TLS.Enabled = true
	}
	if cfg.Server.TLS != nil {
		envString("RTD_TLS_CERT_FILE", &cfg.Server.TLS.CertFile)
		envString("RTD_TLS_KEY_FILE", &cfg.Server.TLS.KeyFile)
	}
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Domains.Validate(); err != nil {
		return fmt.Errorf("domains configuration: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage configuration: %w", err)
	}
	if err := c.Media.Validate(); err != nil {
		return fmt.Errorf("media configuration: %w", err)
	}
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue configuration: %w", err)
	}
	if err := validate.Struct(c.API); err != nil {
		return fmt.Errorf("api configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = ":19090"
	}
	if strings.TrimSpace(c.DocsAddress) == "" {
		c.DocsAddress = ":8080"
	}
	if strings.TrimSpace(c.APIAddress) == "" {
		c.APIAddress = ":8000"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}

	seen := map[string]string{}
	for name, addr := range map[string]string{
		"admin_address": c.AdminAddress,
		"docs_address":  c.DocsAddress,
		"api_address":   c.APIAddress,
	} {
		if other, ok := seen[addr]; ok {
			return fmt.Errorf("%s %q conflicts with %s", name, addr, other)
		}
		seen[addr] = name
	}

	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("TLS configuration: %w", err)
		}
	}
	return nil
}

// Validate normalises domains to lowercase and checks they are present.
func (c *DomainsConfig) Validate() error {
	c.ProductionDomain = strings.ToLower(strings.TrimSpace(c.ProductionDomain))
	c.PublicDomain = strings.ToLower(strings.TrimSpace(c.PublicDomain))
	c.ExternalVersionDomain = strings.ToLower(strings.TrimSpace(c.ExternalVersionDomain))
	if c.PublicAPIURL == "" && c.ProductionDomain != "" {
		c.PublicAPIURL = "http://" + c.ProductionDomain
	}
	return validate.Struct(c)
}

// Validate performs validation of storage configuration
func (c *StorageConfig) Validate() error {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Backend == "badger" && strings.TrimSpace(c.Path) == "" {
		return NewConfigMissingError("path").
			WithSuggestion("The badger backend needs a data directory")
	}
	return nil
}

// Validate performs validation of media configuration
func (c *MediaConfig) Validate() error {
	if c.Backend == "" {
		c.Backend = "filesystem"
	}
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Backend == "gcs" && strings.TrimSpace(c.Bucket) == "" {
		return NewConfigMissingError("bucket")
	}
	if c.MediaURL == "" {
		c.MediaURL = "/media/"
	}
	return nil
}

// Validate performs validation of queue configuration
func (c *QueueConfig) Validate() error {
	if c.Broker == "" {
		c.Broker = "memory"
	}
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Broker == "nats" && strings.TrimSpace(c.URL) == "" {
		return NewConfigMissingError("url").
			WithSuggestion("Set BROKER_URL to a nats:// address")
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
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
