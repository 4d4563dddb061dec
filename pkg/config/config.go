package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type RateLimitBucketConfig struct {
	RequestsPerMinute int `yaml:"requestsPerMinute"`
	BurstSize         int `yaml:"burstSize"`
}

// RateLimitConfig holds token buckets per route family. A zero bucket is
// disabled.
type RateLimitConfig struct {
	Research RateLimitBucketConfig `yaml:"research"`
	Poll     RateLimitBucketConfig `yaml:"poll"`
	Share    RateLimitBucketConfig `yaml:"share"`
	Webhook  RateLimitBucketConfig `yaml:"webhook"`
}

// QuotaConfig is the number of research runs allowed per owner and day.
// Zero means unlimited.
type QuotaConfig struct {
	Anonymous int `yaml:"anonymous"`
	Free      int `yaml:"free"`
	PayPerUse int `yaml:"payPerUse"`
	Unlimited int `yaml:"unlimited"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	OTLPInsecure bool    `yaml:"otlpInsecure"`
	SampleRatio  float64 `yaml:"sampleRatio"`
}

type Config struct {
	Port      int    `yaml:"port"`
	Env       string `yaml:"env"`
	Timezone  string `yaml:"timezone"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	// PersistenceProvider selects a registered task store (memory, redis, sqlite).
	PersistenceProvider string         `yaml:"persistenceProvider"`
	PersistenceConfig   map[string]any `yaml:"persistenceConfig"`

	// AuthProvider selects a registered bearer validator (jwks, static).
	// Empty means only anonymous callers are accepted.
	AuthProvider string         `yaml:"authProvider"`
	AuthConfig   map[string]any `yaml:"authConfig"`

	ValyuBaseURL string `yaml:"valyuBaseUrl"`
	ValyuAPIKey  string `yaml:"valyuApiKey"`
	ValyuModel   string `yaml:"valyuModel"`

	PublicBaseURL          string `yaml:"publicBaseUrl"`
	StreamBudgetSeconds    int    `yaml:"streamBudgetSeconds"`
	RelayIntervalSeconds   int    `yaml:"relayIntervalSeconds"`
	UpstreamTimeoutSeconds int    `yaml:"upstreamTimeoutSeconds"`

	Quota QuotaConfig `yaml:"quota"`

	PolarWebhookSecret           string `yaml:"polarWebhookSecret"`
	PolarSubscriptionProductID   string `yaml:"polarSubscriptionProductId"`
	PolarPayPerUseProductID      string `yaml:"polarPayPerUseProductId"`
	PolarSkipWebhookVerification bool   `yaml:"polarSkipWebhookVerification"`

	CompletionWebhookURL string `yaml:"completionWebhookUrl"`
	WebhookHmacSecret    string `yaml:"webhookHmacSecret"`
	WebhookMaxAttempts   int    `yaml:"webhookMaxAttempts"`
	BackoffPolicy        string `yaml:"backoffPolicy"`
	BackoffBaseSeconds   int    `yaml:"backoffBaseSeconds"`
	BackoffMaxSeconds    int    `yaml:"backoffMaxSeconds"`

	LocalArtifactsDir string `yaml:"localArtifactsDir"`

	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// LoadConfigOptional reads filePath when it exists, then applies env
// overrides and defaults. A blank or missing path is not an error.
func LoadConfigOptional(filePath string) (*Config, error) {
	var c Config
	filePath = strings.TrimSpace(filePath)
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &c); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", filePath, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	c.applyDefaults()
	log.Printf("Historia Config: {Port:%d Env:%s Store:%s Auth:%s Redis:%s Budget:%ds}\n",
		c.Port, c.Env, c.PersistenceProvider, c.AuthProvider, c.RedisAddr, c.StreamBudgetSeconds)
	return &c, nil
}

// LoadConfig is LoadConfigOptional for a file that must exist.
func LoadConfig(filePath string) (*Config, error) {
	if _, err := os.Stat(filePath); err != nil {
		return nil, err
	}
	return LoadConfigOptional(filePath)
}

func (c *Config) applyEnv() error {
	envInt("PORT", &c.Port)
	envString("ENV", &c.Env)
	envString("TIMEZONE", &c.Timezone)
	envString("LOG_LEVEL", &c.LogLevel)
	envString("LOG_FORMAT", &c.LogFormat)
	envString("REDIS_ADDR", &c.RedisAddr)
	envString("REDIS_PASSWORD", &c.RedisPassword)
	envString("PERSISTENCE_PROVIDER", &c.PersistenceProvider)
	envString("AUTH_PROVIDER", &c.AuthProvider)
	envString("VALYU_BASE_URL", &c.ValyuBaseURL)
	envString("VALYU_API_KEY", &c.ValyuAPIKey)
	envString("VALYU_MODEL", &c.ValyuModel)
	envString("PUBLIC_BASE_URL", &c.PublicBaseURL)
	envInt("STREAM_BUDGET_SECONDS", &c.StreamBudgetSeconds)
	envInt("RELAY_INTERVAL_SECONDS", &c.RelayIntervalSeconds)
	envInt("UPSTREAM_TIMEOUT_SECONDS", &c.UpstreamTimeoutSeconds)
	envInt("QUOTA_ANONYMOUS", &c.Quota.Anonymous)
	envInt("QUOTA_FREE", &c.Quota.Free)
	envString("POLAR_WEBHOOK_SECRET", &c.PolarWebhookSecret)
	envString("POLAR_SUBSCRIPTION_PRODUCT_ID", &c.PolarSubscriptionProductID)
	envString("POLAR_PAY_PER_USE_PRODUCT_ID", &c.PolarPayPerUseProductID)
	envBool("POLAR_SKIP_WEBHOOK_VERIFICATION", &c.PolarSkipWebhookVerification)
	envString("COMPLETION_WEBHOOK_URL", &c.CompletionWebhookURL)
	envString("WEBHOOK_HMAC_SECRET", &c.WebhookHmacSecret)
	envInt("WEBHOOK_MAX_ATTEMPTS", &c.WebhookMaxAttempts)
	envString("BACKOFF_POLICY", &c.BackoffPolicy)
	envInt("BACKOFF_BASE_SECONDS", &c.BackoffBaseSeconds)
	envInt("BACKOFF_MAX_SECONDS", &c.BackoffMaxSeconds)
	envString("LOCAL_ARTIFACTS_DIR", &c.LocalArtifactsDir)
	envBool("TRACING_ENABLED", &c.Tracing.Enabled)
	envString("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Tracing.OTLPEndpoint)

	if v := os.Getenv("PERSISTENCE_CONFIG"); v != "" {
		if err := json.Unmarshal([]byte(v), &c.PersistenceConfig); err != nil {
			return fmt.Errorf("PERSISTENCE_CONFIG: %w", err)
		}
	}
	if v := os.Getenv("AUTH_CONFIG"); v != "" {
		if err := json.Unmarshal([]byte(v), &c.AuthConfig); err != nil {
			return fmt.Errorf("AUTH_CONFIG: %w", err)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.PersistenceProvider == "" {
		c.PersistenceProvider = "redis"
	}
	if c.ValyuBaseURL == "" {
		c.ValyuBaseURL = "https://api.valyu.ai/v1/deepresearch"
	}
	if c.ValyuAPIKey == "" {
		log.Println("Warning: ValyuAPIKey not set (dev only)")
	}
	if c.ValyuModel == "" {
		c.ValyuModel = "standard"
	}
	if c.PublicBaseURL == "" {
		c.PublicBaseURL = fmt.Sprintf("http://localhost:%d", c.Port)
	}
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")
	if c.StreamBudgetSeconds <= 0 {
		c.StreamBudgetSeconds = 50
	}
	if c.RelayIntervalSeconds <= 0 {
		c.RelayIntervalSeconds = 2
	}
	if c.UpstreamTimeoutSeconds <= 0 {
		c.UpstreamTimeoutSeconds = 15
	}
	if c.Quota == (QuotaConfig{}) {
		c.Quota = QuotaConfig{Anonymous: 1, Free: 3}
	}
	if c.WebhookMaxAttempts <= 0 {
		c.WebhookMaxAttempts = 5
	}
	if c.BackoffPolicy == "" {
		c.BackoffPolicy = "exp_full_jitter"
	}
	if c.BackoffBaseSeconds <= 0 {
		c.BackoffBaseSeconds = 2
	}
	if c.BackoffMaxSeconds <= 0 {
		c.BackoffMaxSeconds = 60
	}
	if c.LocalArtifactsDir == "" {
		c.LocalArtifactsDir = "/tmp/historia-artifacts"
	}
	if c.Tracing.SampleRatio <= 0 {
		c.Tracing.SampleRatio = 1
	}
}

// PersistenceConfigJSON returns the provider config in the form the
// persistence registry expects. The redis provider falls back to the
// top-level redis settings.
func (c *Config) PersistenceConfigJSON() json.RawMessage {
	m := c.PersistenceConfig
	if len(m) == 0 && c.PersistenceProvider == "redis" {
		m = map[string]any{"addr": c.RedisAddr, "password": c.RedisPassword}
	}
	return rawJSON(m)
}

func (c *Config) AuthConfigJSON() json.RawMessage {
	return rawJSON(c.AuthConfig)
}

func (c *Config) IsDev() bool {
	return strings.EqualFold(strings.TrimSpace(c.Env), "dev")
}

func (c *Config) Validate() error {
	var errs []string
	dev := c.IsDev()

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}
	switch c.PersistenceProvider {
	case "memory", "redis", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("persistenceProvider %q is not supported", c.PersistenceProvider))
	}
	switch c.AuthProvider {
	case "", "jwks", "static":
	default:
		errs = append(errs, fmt.Sprintf("authProvider %q is not supported", c.AuthProvider))
	}
	if !validHTTPURL(c.ValyuBaseURL) {
		errs = append(errs, "valyuBaseUrl must be a valid http(s) URL")
	}
	if strings.TrimSpace(c.ValyuAPIKey) == "" && !dev {
		errs = append(errs, "valyuApiKey is required in non-dev")
	}
	if !validHTTPURL(c.PublicBaseURL) {
		errs = append(errs, "publicBaseUrl must be a valid http(s) URL")
	}
	if c.Quota.Anonymous < 0 || c.Quota.Free < 0 || c.Quota.PayPerUse < 0 || c.Quota.Unlimited < 0 {
		errs = append(errs, "quota limits must not be negative")
	}
	if c.PolarSkipWebhookVerification && !dev {
		errs = append(errs, "polarSkipWebhookVerification is only allowed in dev")
	}
	if c.CompletionWebhookURL != "" {
		if !validHTTPURL(c.CompletionWebhookURL) {
			errs = append(errs, "completionWebhookUrl must be a valid http(s) URL")
		}
		if strings.TrimSpace(c.WebhookHmacSecret) == "" && !dev {
			errs = append(errs, "webhookHmacSecret is required when completionWebhookUrl is set")
		}
	}
	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.OTLPEndpoint) == "" {
		errs = append(errs, "tracing.otlpEndpoint is required when tracing is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func rawJSON(m map[string]any) json.RawMessage {
	if len(m) == 0 {
		return json.RawMessage("{}")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
