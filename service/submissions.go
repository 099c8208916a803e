package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/policeconduct/formsapi/config"
	"github.com/policeconduct/formsapi/model"
	"github.com/policeconduct/formsapi/pkg/logger"
	"github.com/policeconduct/formsapi/pkg/metrics"
)

const maxLoggedFields = 50

// DraftMarker tombstones the draft a submission was built from.
type DraftMarker interface {
	MarkSubmitted(ctx context.Context, draftID, submissionID string, formName model.FormName) error
}

// SubmitRequest is a final form submission as received from the site.
type SubmitRequest struct {
	FormName       string
	RecaptchaToken string
	Data           json.RawMessage
	SourceIP       string
	UserAgent      string
	DraftID        string
}

// SubmissionRecorder verifies and durably records final submissions.
type SubmissionRecorder struct {
	store    ObjectStore
	verifier Verifier
	drafts   DraftMarker
	config   *config.SubmissionsConfig
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func() (string, error)
}

func NewSubmissionRecorder(store ObjectStore, verifier Verifier, drafts DraftMarker, cfg *config.SubmissionsConfig, m *metrics.Metrics) *SubmissionRecorder {
	return &SubmissionRecorder{
		store:    store,
		verifier: verifier,
		drafts:   drafts,
		config:   cfg,
		metrics:  m,
		now:      time.Now,
		newID:    newSubmissionID,
	}
}

// newSubmissionID returns a time-ordered UUIDv7, so ids sort by arrival
// within a day/form partition.
func newSubmissionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Key returns the object key for a submission received at receivedAt.
func (r *SubmissionRecorder) Key(receivedAt time.Time, formName model.FormName, submissionID string) string {
	return fmt.Sprintf("%s%s/%s/%s.json", r.config.Prefix, receivedAt.UTC().Format("2006-01-02"), formName, submissionID)
}

// Submit runs the submission pipeline. Each step short-circuits on failure;
// once the record is written the submission succeeds regardless of what
// happens to the draft.
func (r *SubmissionRecorder) Submit(ctx context.Context, req SubmitRequest) (*model.SubmitResult, error) {
	if r.config.Bucket == "" {
		return nil, configError("SUBMISSIONS_BUCKET")
	}
	if r.config.KMSKeyID == "" {
		return nil, configError("SUBMISSIONS_KMS_KEY_ID")
	}

	formName := model.FormName(strings.TrimSpace(req.FormName))
	token := strings.TrimSpace(req.RecaptchaToken)
	data := compactObject(req.Data)
	fields := fieldNames(data)

	logger.Info(ctx, "forms.submit.request",
		"form_name", formName,
		"has_recaptcha_token", token != "",
		"has_draft_id", req.DraftID != "",
		"data_field_count", len(fields),
		"data_fields", truncate(fields, maxLoggedFields),
		"source_ip", req.SourceIP,
		"user_agent", req.UserAgent,
	)

	if formName == "" {
		logger.Info(ctx, "forms.submit.validation_failed", "reason", "missing_form_name")
		r.metrics.Submission("", "invalid")
		return nil, validationError(http.StatusBadRequest, "Missing required formName.")
	}
	if !formName.Allowed() {
		logger.Info(ctx, "forms.submit.validation_failed", "reason", "unsupported_form_name", "form_name", formName)
		r.metrics.Submission("unsupported", "invalid")
		return nil, validationError(http.StatusBadRequest, "Unsupported formName.")
	}

	expectedAction := formName.ExpectedAction()
	assessment, err := r.verifier.Verify(ctx, VerifyRequest{
		Token:          token,
		SourceIP:       req.SourceIP,
		UserAgent:      req.UserAgent,
		ExpectedAction: expectedAction,
	})
	if err != nil {
		r.metrics.Submission(string(formName), "error")
		return nil, storageError("failed to resolve verification credentials", err)
	}
	if !assessment.OK {
		logger.Info(ctx, "forms.submit.recaptcha_failed",
			"form_name", formName,
			"expected_action", expectedAction,
			"reason", assessment.Reason,
			"error", assessment.Error,
			"details", assessment.Details,
		)
		if assessment.Reason == model.ReasonMissingConfig {
			r.metrics.Submission(string(formName), "error")
			return nil, &FormError{Kind: KindConfig, Status: http.StatusInternalServerError, Message: assessment.Error}
		}
		r.metrics.Submission(string(formName), "rejected")
		return nil, verificationError(assessment.Error)
	}
	score := 0.0
	if assessment.Score != nil {
		score = *assessment.Score
	}
	logger.Info(ctx, "forms.submit.recaptcha_passed", "form_name", formName, "score", score)

	submissionID, err := r.newID()
	if err != nil {
		r.metrics.Submission(string(formName), "error")
		return nil, storageError("failed to generate submission id", err)
	}
	receivedAt := r.now().UTC().Truncate(time.Millisecond)
	key := r.Key(receivedAt, formName, submissionID)

	record := model.Submission{
		SubmissionID: submissionID,
		FormName:     formName,
		ReceivedAt:   receivedAt,
		SourceIP:     req.SourceIP,
		UserAgent:    req.UserAgent,
		DraftID:      req.DraftID,
		Data:         data,
	}
	body, err := json.Marshal(record)
	if err != nil {
		r.metrics.Submission(string(formName), "error")
		return nil, storageError("failed to encode submission", err)
	}

	logger.Info(ctx, "forms.submit.storage_put_attempt",
		"bucket", r.config.Bucket,
		"key", key,
		"has_kms_key_id", r.config.KMSKeyID != "",
	)
	if err := r.store.Put(ctx, key, body, contentTypeJSON, r.config.KMSKeyID); err != nil {
		r.metrics.Submission(string(formName), "error")
		return nil, storageError("failed to store submission", err)
	}

	if req.DraftID != "" && r.drafts != nil {
		if err := r.drafts.MarkSubmitted(ctx, req.DraftID, submissionID, formName); err != nil {
			logger.Warn(ctx, "forms.submit.draft_mark_failed",
				"draft_id", req.DraftID,
				"submission_id", submissionID,
				"error", err.Error(),
			)
		}
	}

	logger.Info(ctx, "forms.submit.success", "form_name", formName, "submission_id", submissionID, "key", key)
	r.metrics.Submission(string(formName), "accepted")
	return &model.SubmitResult{SubmissionID: submissionID}, nil
}

// fieldNames lists the top-level keys of a JSON object.
func fieldNames(data json.RawMessage) []string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil
	}
	names := make([]string, 0, len(obj))
	for k := range obj {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func truncate(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
