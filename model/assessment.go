package model

// AssessmentReason classifies why an assessment failed.
type AssessmentReason string

const (
	ReasonPassed         AssessmentReason = "passed"
	ReasonMissingConfig  AssessmentReason = "missing_config"
	ReasonMissingToken   AssessmentReason = "missing_token"
	ReasonInvalidToken   AssessmentReason = "invalid_token"
	ReasonActionMismatch AssessmentReason = "action_mismatch"
	ReasonLowScore       AssessmentReason = "low_score"
	ReasonProviderError  AssessmentReason = "provider_error"
)

// Assessment is the outcome of one human-verification check. It is never
// persisted or reused across requests.
type Assessment struct {
	OK      bool             `json:"ok"`
	Reason  AssessmentReason `json:"reason"`
	Score   *float64         `json:"score,omitempty"`
	Error   string           `json:"error,omitempty"`
	Details map[string]any   `json:"details,omitempty"`
}
