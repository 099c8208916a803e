package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/policeconduct/formsapi/config"
	"github.com/policeconduct/formsapi/model"
	"github.com/policeconduct/formsapi/pkg/logger"
	"github.com/policeconduct/formsapi/pkg/metrics"
)

// Caller-facing verification messages.
const (
	msgMissingToken   = "Missing reCAPTCHA token."
	msgInvalidToken   = "Invalid reCAPTCHA token."
	msgInvalidAction  = "Invalid reCAPTCHA action."
	msgScoreTooLow    = "reCAPTCHA risk score too low."
	msgProviderFailed = "Failed to verify reCAPTCHA Enterprise."
)

// VerifyRequest is one human-verification check.
type VerifyRequest struct {
	Token          string
	SourceIP       string
	UserAgent      string
	ExpectedAction string
}

// Verifier scores a reCAPTCHA token. The returned error is reserved for
// infrastructure failures (credentials could not be loaded); every
// verification outcome, including provider errors, is an Assessment.
type Verifier interface {
	Verify(ctx context.Context, req VerifyRequest) (model.Assessment, error)
}

// TokenSource supplies OAuth bearer tokens for the assessment API.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// RecaptchaService calls the reCAPTCHA Enterprise createAssessment REST API.
type RecaptchaService struct {
	config     *config.RecaptchaConfig
	tokens     TokenSource
	httpClient *http.Client
	metrics    *metrics.Metrics
}

// NewRecaptchaService builds the client. tokens may be nil when the config
// carries an API key.
func NewRecaptchaService(cfg *config.RecaptchaConfig, tokens TokenSource, m *metrics.Metrics) *RecaptchaService {
	return &RecaptchaService{
		config:  cfg,
		tokens:  tokens,
		metrics: m,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type assessmentEvent struct {
	Token          string `json:"token"`
	SiteKey        string `json:"siteKey"`
	ExpectedAction string `json:"expectedAction"`
	UserIPAddress  string `json:"userIpAddress,omitempty"`
	UserAgent      string `json:"userAgent,omitempty"`
}

type assessmentRequest struct {
	Event assessmentEvent `json:"event"`
}

type assessmentResponse struct {
	Name            string `json:"name"`
	TokenProperties struct {
		Valid         bool   `json:"valid"`
		InvalidReason string `json:"invalidReason"`
		Action        string `json:"action"`
		Hostname      string `json:"hostname"`
	} `json:"tokenProperties"`
	RiskAnalysis struct {
		Score   *float64 `json:"score"`
		Reasons []string `json:"reasons"`
	} `json:"riskAnalysis"`
}

func (s *RecaptchaService) Verify(ctx context.Context, req VerifyRequest) (model.Assessment, error) {
	if s.config.ProjectID == "" {
		return s.record(model.Assessment{Reason: model.ReasonMissingConfig, Error: "Missing RECAPTCHA_ENTERPRISE_PROJECT_ID"}), nil
	}
	if s.config.SiteKey == "" {
		return s.record(model.Assessment{Reason: model.ReasonMissingConfig, Error: "Missing RECAPTCHA_ENTERPRISE_SITE_KEY"}), nil
	}
	if req.Token == "" {
		return s.record(model.Assessment{Reason: model.ReasonMissingToken, Error: msgMissingToken}), nil
	}

	httpReq, err := s.newRequest(ctx, req)
	if err != nil {
		if errors.Is(err, ErrCredentialsUnavailable) {
			return model.Assessment{}, err
		}
		return s.providerFailure(ctx, err), nil
	}

	start := time.Now()
	resp, err := s.httpClient.Do(httpReq)
	s.metrics.ObserveProviderLatency(time.Since(start))
	if err != nil {
		return s.providerFailure(ctx, fmt.Errorf("failed to send request: %w", err)), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return s.providerFailure(ctx, fmt.Errorf("failed to read response: %w", err)), nil
	}
	if resp.StatusCode != http.StatusOK {
		return s.providerFailure(ctx, fmt.Errorf("assessment API returned status %d", resp.StatusCode)), nil
	}

	var result assessmentResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return s.providerFailure(ctx, fmt.Errorf("failed to parse response: %w", err)), nil
	}

	return s.record(evaluate(&result, req.ExpectedAction, s.config.MinScore)), nil
}

func (s *RecaptchaService) newRequest(ctx context.Context, req VerifyRequest) (*http.Request, error) {
	payload, err := json.Marshal(assessmentRequest{Event: assessmentEvent{
		Token:          req.Token,
		SiteKey:        s.config.SiteKey,
		ExpectedAction: req.ExpectedAction,
		UserIPAddress:  req.SourceIP,
		UserAgent:      req.UserAgent,
	}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/projects/%s/assessments", s.config.APIURL, url.PathEscape(s.config.ProjectID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if s.config.APIKey != "" {
		httpReq.Header.Set("X-Goog-Api-Key", s.config.APIKey)
		return httpReq, nil
	}
	if s.tokens == nil {
		return nil, fmt.Errorf("%w: no token source configured", ErrCredentialsUnavailable)
	}
	token, err := s.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	return httpReq, nil
}

// providerFailure logs the internal error and returns the generic rejection.
func (s *RecaptchaService) providerFailure(ctx context.Context, err error) model.Assessment {
	logger.Error(ctx, "forms.recaptcha.provider_error", "error", err.Error())
	return s.record(model.Assessment{
		Reason: model.ReasonProviderError,
		Error:  msgProviderFailed,
	})
}

func (s *RecaptchaService) record(a model.Assessment) model.Assessment {
	s.metrics.Assessment(string(a.Reason), a.Score)
	return a
}

// evaluate applies the acceptance policy to a provider response: the token
// must be valid, minted for expectedAction, and score at least minScore.
func evaluate(result *assessmentResponse, expectedAction string, minScore float64) model.Assessment {
	if !result.TokenProperties.Valid {
		return model.Assessment{
			Reason:  model.ReasonInvalidToken,
			Error:   msgInvalidToken,
			Details: map[string]any{"invalidReason": result.TokenProperties.InvalidReason},
		}
	}

	if result.TokenProperties.Action != expectedAction {
		return model.Assessment{
			Reason: model.ReasonActionMismatch,
			Error:  msgInvalidAction,
			Details: map[string]any{
				"action":         result.TokenProperties.Action,
				"expectedAction": expectedAction,
			},
		}
	}

	score := 0.0
	if result.RiskAnalysis.Score != nil {
		score = *result.RiskAnalysis.Score
	}
	details := map[string]any{"score": score, "minScore": minScore}
	if math.IsNaN(score) || math.IsInf(score, 0) || score < minScore {
		return model.Assessment{
			Reason:  model.ReasonLowScore,
			Score:   &score,
			Error:   msgScoreTooLow,
			Details: details,
		}
	}

	return model.Assessment{
		OK:      true,
		Reason:  model.ReasonPassed,
		Score:   &score,
		Details: details,
	}
}
