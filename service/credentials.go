package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/policeconduct/formsapi/config"
	"golang.org/x/sync/singleflight"
)

// ErrCredentialsUnavailable wraps failures to load the service account key
// from its secret source.
var ErrCredentialsUnavailable = errors.New("recaptcha credentials unavailable")

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// ServiceAccountKey is the subset of a Google service account key file used
// to mint access tokens.
type ServiceAccountKey struct {
	ClientEmail  string `json:"client_email"`
	PrivateKey   string `json:"private_key"`
	PrivateKeyID string `json:"private_key_id"`
	TokenURI     string `json:"token_uri"`
}

// LogValue keeps the private key out of logs.
func (k ServiceAccountKey) LogValue() slog.Value {
	return slog.GroupValue(slog.String("client_email", k.ClientEmail))
}

func parseServiceAccountKey(raw []byte) (*ServiceAccountKey, error) {
	var key ServiceAccountKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, errors.New("service account secret is not valid JSON")
	}
	if key.ClientEmail == "" || key.PrivateKey == "" {
		return nil, errors.New("service account secret must include client_email and private_key")
	}
	return &key, nil
}

// SecretSource fetches the raw service account key.
type SecretSource interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// FileSecretSource reads the key from a file on disk.
type FileSecretSource struct {
	Path string
}

func (s FileSecretSource) Fetch(ctx context.Context) ([]byte, error) {
	return os.ReadFile(s.Path)
}

// EnvSecretSource reads the key JSON from an environment variable.
type EnvSecretSource struct {
	Name string
}

func (s EnvSecretSource) Fetch(ctx context.Context) ([]byte, error) {
	v, ok := os.LookupEnv(s.Name)
	if !ok || strings.TrimSpace(v) == "" {
		return nil, fmt.Errorf("environment variable %s is empty", s.Name)
	}
	return []byte(v), nil
}

// ObjectSecretSource reads the key from an encrypted bucket.
type ObjectSecretSource struct {
	Store ObjectStore
	Key   string
}

func (s ObjectSecretSource) Fetch(ctx context.Context) ([]byte, error) {
	body, err := s.Store.Get(ctx, s.Key)
	if errors.Is(err, ErrObjectNotFound) {
		return nil, fmt.Errorf("secret object %s does not exist", s.Key)
	}
	return body, err
}

// NewSecretSource builds the source named by cfg.Source. store is only used
// by the "object" source.
func NewSecretSource(cfg *config.CredentialsConfig, store ObjectStore) (SecretSource, error) {
	switch cfg.Source {
	case "file":
		return FileSecretSource{Path: cfg.Path}, nil
	case "env":
		return EnvSecretSource{Name: cfg.EnvVar}, nil
	case "object":
		if store == nil {
			return nil, errors.New("object secret source requires a secrets bucket")
		}
		return ObjectSecretSource{Store: store, Key: cfg.Key}, nil
	default:
		return nil, fmt.Errorf("unknown credentials source %q", cfg.Source)
	}
}

// CredentialProvider resolves the service account key once per process and
// hands out cached OAuth access tokens minted from it. Concurrent callers
// share a single in-flight load or refresh.
type CredentialProvider struct {
	source     SecretSource
	tokenURL   string
	httpClient *http.Client
	now        func() time.Time

	group singleflight.Group

	mu     sync.Mutex
	key    *ServiceAccountKey
	token  string
	expiry time.Time
	loads  int
}

func NewCredentialProvider(source SecretSource, tokenURL string, httpClient *http.Client) *CredentialProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &CredentialProvider{
		source:     source,
		tokenURL:   tokenURL,
		httpClient: httpClient,
		now:        time.Now,
	}
}

// Key returns the memoized service account key, loading it on first use.
// A failed load is not memoized.
func (p *CredentialProvider) Key(ctx context.Context) (*ServiceAccountKey, error) {
	p.mu.Lock()
	key := p.key
	p.mu.Unlock()
	if key != nil {
		return key, nil
	}

	v, err, _ := p.group.Do("key", func() (any, error) {
		p.mu.Lock()
		if p.key != nil {
			defer p.mu.Unlock()
			return p.key, nil
		}
		p.mu.Unlock()

		raw, err := p.source.Fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCredentialsUnavailable, err)
		}
		loaded, err := parseServiceAccountKey(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCredentialsUnavailable, err)
		}

		p.mu.Lock()
		p.key = loaded
		p.loads++
		p.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ServiceAccountKey), nil
}

// AccessToken returns a bearer token valid for at least another minute.
func (p *CredentialProvider) AccessToken(ctx context.Context) (string, error) {
	if token, ok := p.cachedToken(); ok {
		return token, nil
	}

	v, err, _ := p.group.Do("token", func() (any, error) {
		if token, ok := p.cachedToken(); ok {
			return token, nil
		}
		key, err := p.Key(ctx)
		if err != nil {
			return "", err
		}
		token, expiresIn, err := p.exchange(context.WithoutCancel(ctx), key)
		if err != nil {
			return "", err
		}

		p.mu.Lock()
		p.token = token
		p.expiry = p.now().Add(expiresIn)
		p.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *CredentialProvider) cachedToken() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" && p.now().Add(time.Minute).Before(p.expiry) {
		return p.token, true
	}
	return "", false
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// exchange trades a self-signed JWT assertion for an access token.
func (p *CredentialProvider) exchange(ctx context.Context, key *ServiceAccountKey) (string, time.Duration, error) {
	tokenURL := p.tokenURL
	if tokenURL == "" {
		tokenURL = key.TokenURI
	}

	assertion, err := signAssertion(key, tokenURL, p.now())
	if err != nil {
		return "", 0, err
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("failed to send token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", 0, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", 0, errors.New("token response has no access_token")
	}
	if tr.ExpiresIn <= 0 {
		tr.ExpiresIn = 3600
	}
	return tr.AccessToken, time.Duration(tr.ExpiresIn) * time.Second, nil
}

type assertionClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

func signAssertion(key *ServiceAccountKey, audience string, now time.Time) (string, error) {
	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(key.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("%w: invalid private key", ErrCredentialsUnavailable)
	}

	claims := assertionClaims{
		Scope: cloudPlatformScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    key.ClientEmail,
			Subject:   key.ClientEmail,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if key.PrivateKeyID != "" {
		token.Header["kid"] = key.PrivateKeyID
	}
	return token.SignedString(privateKey)
}
