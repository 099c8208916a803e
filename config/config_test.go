package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  path_prefix: "/stage"
log:
  level: "debug"
  format: "text"
storage:
  driver: "minio"
  endpoint: "localhost:9000"
  access_key: "minioadmin"
  secret_key: "minioadmin"
  use_ssl: false
drafts:
  bucket: "drafts-bucket"
  kms_key_id: "alias/drafts"
  max_bytes: 2048
  active_window: 30m
submissions:
  bucket: "submissions-bucket"
  kms_key_id: "alias/submissions"
recaptcha:
  project_id: "police-conduct"
  site_key: "site-key"
  min_score: 0.7
  credentials:
    source: "object"
    bucket: "secrets"
    key: "recaptcha/service-account.json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/stage", cfg.Server.PathPrefix)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "localhost:9000", cfg.Storage.Endpoint)
	assert.False(t, cfg.Storage.UseSSL)
	assert.Equal(t, "drafts-bucket", cfg.Drafts.Bucket)
	assert.Equal(t, 2048, cfg.Drafts.MaxBytes)
	assert.Equal(t, 30*time.Minute, cfg.Drafts.ActiveWindow)
	assert.Equal(t, "drafts/", cfg.Drafts.Prefix)
	assert.Equal(t, "submissions/", cfg.Submissions.Prefix)
	assert.Equal(t, 0.7, cfg.Recaptcha.MinScore)
	assert.Equal(t, "object", cfg.Recaptcha.Credentials.Source)
	assert.Equal(t, DefaultTokenURL, cfg.Recaptcha.Credentials.TokenURL)
	assert.Empty(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8787, cfg.Server.Port)
	assert.Equal(t, "/api", cfg.Server.PathPrefix)
	assert.Equal(t, DefaultMaxDraftBytes, cfg.Drafts.MaxBytes)
	assert.Equal(t, DefaultActiveWindow, cfg.Drafts.ActiveWindow)
	assert.Equal(t, DefaultMinScore, cfg.Recaptcha.MinScore)
	assert.Equal(t, DefaultRecaptchaAPIURL, cfg.Recaptcha.APIURL)
	assert.Equal(t, []string{"*"}, cfg.CORS.AllowOrigins)
	assert.Equal(t, "minio", cfg.Storage.Driver)
	assert.True(t, cfg.Storage.UseSSL)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
drafts:
  bucket: "from-file"
`)
	t.Setenv("DRAFTS_BUCKET", "from-env")
	t.Setenv("DRAFTS_KMS_KEY_ID", "arn:aws:kms:key/drafts")
	t.Setenv("MAX_DRAFT_BYTES", "512")
	t.Setenv("DRAFT_ACTIVE_WINDOW_MS", "60000")
	t.Setenv("RECAPTCHA_ENTERPRISE_MIN_SCORE", "0.3")
	t.Setenv("STORAGE_USE_SSL", "false")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Drafts.Bucket)
	assert.Equal(t, "arn:aws:kms:key/drafts", cfg.Drafts.KMSKeyID)
	assert.Equal(t, 512, cfg.Drafts.MaxBytes)
	assert.Equal(t, time.Minute, cfg.Drafts.ActiveWindow)
	assert.Equal(t, 0.3, cfg.Recaptcha.MinScore)
}

func TestExplicitZeroValuesAreKept(t *testing.T) {
	path := writeConfig(t, `
drafts:
  prefix: ""
`)
	t.Setenv("RECAPTCHA_ENTERPRISE_MIN_SCORE", "0")
	t.Setenv("SUBMISSIONS_PREFIX", "")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.0, cfg.Recaptcha.MinScore)
	assert.Equal(t, "", cfg.Drafts.Prefix)
	assert.Equal(t, "", cfg.Submissions.Prefix)
}

func TestYAMLZeroMinScoreIsKept(t *testing.T) {
	path := writeConfig(t, `
recaptcha:
  min_score: 0
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.0, cfg.Recaptcha.MinScore)
	assert.Equal(t, "drafts/", cfg.Drafts.Prefix)
	assert.Equal(t, "submissions/", cfg.Submissions.Prefix)
}

func TestTrustedProxiesFromEnv(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Server.TrustedProxies)

	t.Setenv("FORMS_TRUSTED_PROXIES", "10.0.0.0/8, 192.168.1.1")
	t.Setenv("FORMS_TRUSTED_PLATFORM", "CF-Connecting-IP")
	cfg, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.1"}, cfg.Server.TrustedProxies)
	assert.Equal(t, "CF-Connecting-IP", cfg.Server.TrustedPlatform)
}

func TestEnvOverridesRejectGarbage(t *testing.T) {
	cfg := &Config{}
	env := map[string]string{
		"MAX_DRAFT_BYTES":                "lots",
		"RECAPTCHA_ENTERPRISE_MIN_SCORE": "high",
	}
	err := cfg.applyEnv(func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_DRAFT_BYTES")
	assert.Contains(t, err.Error(), "RECAPTCHA_ENTERPRISE_MIN_SCORE")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		expected []string
	}{
		{
			name:   "complete with api key",
			mutate: func(c *Config) { c.Recaptcha.APIKey = "key" },
		},
		{
			name: "missing buckets",
			mutate: func(c *Config) {
				c.Recaptcha.APIKey = "key"
				c.Drafts.Bucket = ""
				c.Submissions.KMSKeyID = ""
			},
			expected: []string{"DRAFTS_BUCKET", "SUBMISSIONS_KMS_KEY_ID"},
		},
		{
			name:     "file credentials without path",
			mutate:   func(c *Config) { c.Recaptcha.Credentials.Source = "file" },
			expected: []string{"RECAPTCHA_SERVICE_ACCOUNT_FILE"},
		},
		{
			name:     "object credentials without location",
			mutate:   func(c *Config) { c.Recaptcha.Credentials.Source = "object" },
			expected: []string{"RECAPTCHA_SERVICE_ACCOUNT_BUCKET", "RECAPTCHA_SERVICE_ACCOUNT_KEY"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Drafts:      DraftsConfig{Bucket: "d", KMSKeyID: "dk"},
				Submissions: SubmissionsConfig{Bucket: "s", KMSKeyID: "sk"},
				Recaptcha:   RecaptchaConfig{ProjectID: "p", SiteKey: "k"},
			}
			tt.mutate(cfg)
			assert.Equal(t, tt.expected, cfg.Validate())
		})
	}
}
