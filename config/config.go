package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Storage     StorageConfig     `yaml:"storage"`
	Drafts      DraftsConfig      `yaml:"drafts"`
	Submissions SubmissionsConfig `yaml:"submissions"`
	Recaptcha   RecaptchaConfig   `yaml:"recaptcha"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	CORS        CORSConfig        `yaml:"cors"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// PathPrefix is the API gateway stage prefix stripped before routing.
	PathPrefix   string `yaml:"path_prefix"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
	// TrustedProxies lists the proxies whose X-Forwarded-For is believed.
	// Empty means the client IP is always the peer address.
	TrustedProxies []string `yaml:"trusted_proxies"`
	// TrustedPlatform is a header the gateway sets to the client IP, such
	// as CF-Connecting-IP.
	TrustedPlatform string `yaml:"trusted_platform"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig describes the S3-compatible endpoint shared by all buckets.
type StorageConfig struct {
	Driver        string `yaml:"driver"` // minio, memory
	Endpoint      string `yaml:"endpoint"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	Region        string `yaml:"region"`
	UseSSL        bool   `yaml:"use_ssl"`
	EnsureBuckets bool   `yaml:"ensure_buckets"`
}

type DraftsConfig struct {
	Bucket       string        `yaml:"bucket"`
	KMSKeyID     string        `yaml:"kms_key_id"`
	Prefix       string        `yaml:"prefix"`
	MaxBytes     int           `yaml:"max_bytes"`
	ActiveWindow time.Duration `yaml:"active_window"`
}

type SubmissionsConfig struct {
	Bucket   string `yaml:"bucket"`
	KMSKeyID string `yaml:"kms_key_id"`
	Prefix   string `yaml:"prefix"`
}

type RecaptchaConfig struct {
	ProjectID string        `yaml:"project_id"`
	SiteKey   string        `yaml:"site_key"`
	MinScore  float64       `yaml:"min_score"`
	APIURL    string        `yaml:"api_url"`
	Timeout   time.Duration `yaml:"timeout"`
	// APIKey switches authentication from a service account to an API key.
	APIKey      string            `yaml:"api_key"`
	Credentials CredentialsConfig `yaml:"credentials"`
}

// CredentialsConfig locates the service account key used to call reCAPTCHA.
type CredentialsConfig struct {
	Source   string `yaml:"source"` // file, env, object
	Path     string `yaml:"path"`
	EnvVar   string `yaml:"env_var"`
	Bucket   string `yaml:"bucket"`
	Key      string `yaml:"key"`
	TokenURL string `yaml:"token_url"`
}

type RateLimitConfig struct {
	Requests int           `yaml:"requests"` // 0 disables limiting
	Window   time.Duration `yaml:"window"`
	RedisURL string        `yaml:"redis_url"`
}

type CORSConfig struct {
	AllowOrigins []string `yaml:"allow_origins"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

const (
	DefaultMaxDraftBytes   = 1 << 20
	DefaultActiveWindow    = time.Hour
	DefaultMinScore        = 0.5
	DefaultRecaptchaAPIURL = "https://recaptchaenterprise.googleapis.com"
	DefaultTokenURL        = "https://oauth2.googleapis.com/token"
)

// Load reads the YAML file at path, applies environment overrides and fills
// defaults. A missing file is not an error: the service can be configured
// entirely from the environment.
func Load(path string) (*Config, error) {
	cfg := newConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	return cfg, nil
}

// newConfig presets the defaults for which zero is a valid explicit value,
// so a file or environment setting of 0 or "" is kept.
func newConfig() *Config {
	return &Config{
		Drafts:      DraftsConfig{Prefix: "drafts/"},
		Submissions: SubmissionsConfig{Prefix: "submissions/"},
		Recaptcha:   RecaptchaConfig{MinScore: DefaultMinScore},
	}
}

func (c *Config) setDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8787
	}
	if c.Server.PathPrefix == "" {
		c.Server.PathPrefix = "/api"
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 4 << 20
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "minio"
	}
	if c.Storage.Endpoint == "" {
		c.Storage.Endpoint = "s3.amazonaws.com"
		c.Storage.UseSSL = true
	}
	if c.Drafts.MaxBytes == 0 {
		c.Drafts.MaxBytes = DefaultMaxDraftBytes
	}
	if c.Drafts.ActiveWindow == 0 {
		c.Drafts.ActiveWindow = DefaultActiveWindow
	}
	if c.Recaptcha.APIURL == "" {
		c.Recaptcha.APIURL = DefaultRecaptchaAPIURL
	}
	if c.Recaptcha.Timeout == 0 {
		c.Recaptcha.Timeout = 10 * time.Second
	}
	if c.Recaptcha.Credentials.Source == "" {
		c.Recaptcha.Credentials.Source = "file"
	}
	if c.Recaptcha.Credentials.TokenURL == "" {
		c.Recaptcha.Credentials.TokenURL = DefaultTokenURL
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}
	if len(c.CORS.AllowOrigins) == 0 {
		c.CORS.AllowOrigins = []string{"*"}
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
}

type lookupFunc func(string) (string, bool)

// applyEnv overlays environment variables on top of the file values. The
// variable names match the ones the deployment templates already set.
func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	// raw keeps a set but empty value, for settings where "" is meaningful.
	raw := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			var items []string
			for _, item := range strings.Split(v, ",") {
				if item = strings.TrimSpace(item); item != "" {
					items = append(items, item)
				}
			}
			*dst = items
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	millis := func(name string, dst *time.Duration) {
		var ms int
		num(name, &ms)
		if ms > 0 {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}

	num("FORMS_PORT", &c.Server.Port)
	str("FORMS_PATH_PREFIX", &c.Server.PathPrefix)
	list("FORMS_TRUSTED_PROXIES", &c.Server.TrustedProxies)
	str("FORMS_TRUSTED_PLATFORM", &c.Server.TrustedPlatform)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("STORAGE_ENDPOINT", &c.Storage.Endpoint)
	str("STORAGE_ACCESS_KEY", &c.Storage.AccessKey)
	str("STORAGE_SECRET_KEY", &c.Storage.SecretKey)
	str("STORAGE_REGION", &c.Storage.Region)
	boolean("STORAGE_USE_SSL", &c.Storage.UseSSL)

	str("DRAFTS_BUCKET", &c.Drafts.Bucket)
	str("DRAFTS_KMS_KEY_ID", &c.Drafts.KMSKeyID)
	raw("DRAFTS_PREFIX", &c.Drafts.Prefix)
	num("MAX_DRAFT_BYTES", &c.Drafts.MaxBytes)
	millis("DRAFT_ACTIVE_WINDOW_MS", &c.Drafts.ActiveWindow)

	str("SUBMISSIONS_BUCKET", &c.Submissions.Bucket)
	str("SUBMISSIONS_KMS_KEY_ID", &c.Submissions.KMSKeyID)
	raw("SUBMISSIONS_PREFIX", &c.Submissions.Prefix)

	str("RECAPTCHA_ENTERPRISE_PROJECT_ID", &c.Recaptcha.ProjectID)
	str("RECAPTCHA_ENTERPRISE_SITE_KEY", &c.Recaptcha.SiteKey)
	str("RECAPTCHA_ENTERPRISE_API_KEY", &c.Recaptcha.APIKey)
	if v, ok := lookup("RECAPTCHA_ENTERPRISE_MIN_SCORE"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("RECAPTCHA_ENTERPRISE_MIN_SCORE: %w", err))
		} else {
			c.Recaptcha.MinScore = f
		}
	}
	str("RECAPTCHA_SERVICE_ACCOUNT_SOURCE", &c.Recaptcha.Credentials.Source)
	str("RECAPTCHA_SERVICE_ACCOUNT_FILE", &c.Recaptcha.Credentials.Path)
	str("RECAPTCHA_SERVICE_ACCOUNT_ENV", &c.Recaptcha.Credentials.EnvVar)
	str("RECAPTCHA_SERVICE_ACCOUNT_BUCKET", &c.Recaptcha.Credentials.Bucket)
	str("RECAPTCHA_SERVICE_ACCOUNT_KEY", &c.Recaptcha.Credentials.Key)

	num("RATE_LIMIT_REQUESTS", &c.RateLimit.Requests)
	str("RATE_LIMIT_REDIS_URL", &c.RateLimit.RedisURL)
	boolean("METRICS_ENABLED", &c.Metrics.Enabled)
	str("METRICS_ADDR", &c.Metrics.Addr)

	return errors.Join(errs...)
}

// Validate lists settings that are missing for each component. Missing
// settings are reported, not fatal: the affected endpoints answer 500 while
// the rest of the service keeps working.
func (c *Config) Validate() []string {
	var missing []string
	if c.Drafts.Bucket == "" {
		missing = append(missing, "DRAFTS_BUCKET")
	}
	if c.Drafts.KMSKeyID == "" {
		missing = append(missing, "DRAFTS_KMS_KEY_ID")
	}
	if c.Submissions.Bucket == "" {
		missing = append(missing, "SUBMISSIONS_BUCKET")
	}
	if c.Submissions.KMSKeyID == "" {
		missing = append(missing, "SUBMISSIONS_KMS_KEY_ID")
	}
	if c.Recaptcha.ProjectID == "" {
		missing = append(missing, "RECAPTCHA_ENTERPRISE_PROJECT_ID")
	}
	if c.Recaptcha.SiteKey == "" {
		missing = append(missing, "RECAPTCHA_ENTERPRISE_SITE_KEY")
	}
	if c.Recaptcha.APIKey == "" {
		switch c.Recaptcha.Credentials.Source {
		case "file":
			if c.Recaptcha.Credentials.Path == "" {
				missing = append(missing, "RECAPTCHA_SERVICE_ACCOUNT_FILE")
			}
		case "env":
			if c.Recaptcha.Credentials.EnvVar == "" {
				missing = append(missing, "RECAPTCHA_SERVICE_ACCOUNT_ENV")
			}
		case "object":
			if c.Recaptcha.Credentials.Bucket == "" {
				missing = append(missing, "RECAPTCHA_SERVICE_ACCOUNT_BUCKET")
			}
			if c.Recaptcha.Credentials.Key == "" {
				missing = append(missing, "RECAPTCHA_SERVICE_ACCOUNT_KEY")
			}
		}
	}
	return missing
}
