package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/policeconduct/formsapi/middleware"
	"github.com/policeconduct/formsapi/model"
	"github.com/policeconduct/formsapi/pkg/logger"
	"github.com/policeconduct/formsapi/service"
)

// DraftService is the part of the draft store the handler uses.
type DraftService interface {
	Save(ctx context.Context, draftID string, data json.RawMessage) (*model.DraftSaved, error)
	Get(ctx context.Context, draftID string) (*model.Draft, error)
}

// Submitter records final submissions.
type Submitter interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*model.SubmitResult, error)
}

type FormsHandler struct {
	drafts       DraftService
	submissions  Submitter
	maxBodyBytes int64
}

func NewFormsHandler(drafts DraftService, submissions Submitter, maxBodyBytes int64) *FormsHandler {
	return &FormsHandler{
		drafts:       drafts,
		submissions:  submissions,
		maxBodyBytes: maxBodyBytes,
	}
}

// GetDraft returns the active draft named by the draftId query parameter,
// or {} when there is none.
func (h *FormsHandler) GetDraft(c *gin.Context) {
	draft, err := h.drafts.Get(c.Request.Context(), c.Query("draftId"))
	if err != nil {
		respondError(c, err)
		return
	}
	if draft == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, draft)
}

// SaveDraft upserts a draft from {draftId?, data}.
func (h *FormsHandler) SaveDraft(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}

	saved, err := h.drafts.Save(c.Request.Context(), stringField(body, "draftId"), body["data"])
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

// Submit records a final submission from
// {formName, recaptchaToken, data, draftId?}.
func (h *FormsHandler) Submit(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}

	result, err := h.submissions.Submit(c.Request.Context(), service.SubmitRequest{
		FormName:       stringField(body, "formName"),
		RecaptchaToken: stringField(body, "recaptchaToken"),
		Data:           body["data"],
		SourceIP:       c.ClientIP(),
		UserAgent:      c.Request.UserAgent(),
		DraftID:        stringField(body, "draftId"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// MethodNotAllowed answers every method and path the router does not serve.
func MethodNotAllowed(c *gin.Context) {
	c.Header("Allow", middleware.AllowedMethods)
	c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed."})
}

// readBody reads the JSON body leniently: a body that is not a JSON object
// reads as {}. Only an oversized body is rejected.
func (h *FormsHandler) readBody(c *gin.Context) (map[string]json.RawMessage, bool) {
	reader := c.Request.Body
	if h.maxBodyBytes > 0 {
		reader = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)
	}

	raw, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.Info(c.Request.Context(), "forms.request.body_too_large", "limit_bytes", tooLarge.Limit)
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large."})
			return nil, false
		}
		logger.Warn(c.Request.Context(), "forms.request.body_read_failed", "error", err.Error())
	}

	body := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			body = map[string]json.RawMessage{}
		}
	}
	return body, true
}

// stringField returns the named field when it is a JSON string.
func stringField(body map[string]json.RawMessage, name string) string {
	var s string
	if err := json.Unmarshal(body[name], &s); err != nil {
		return ""
	}
	return s
}

// respondError maps service errors to responses. Anything that is not a
// classified, caller-safe error becomes a generic 500 carrying the
// correlation id; the detail is logged only.
func respondError(c *gin.Context, err error) {
	ctx := c.Request.Context()

	if fe, ok := service.AsFormError(err); ok && fe.Public() {
		if fe.Kind == service.KindConfig {
			logger.Error(ctx, "forms.request.misconfigured", "error", fe.Message)
		}
		c.JSON(fe.Status, gin.H{"error": fe.Message})
		return
	}

	logger.Error(ctx, "forms.request.error",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"error", err.Error(),
	)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":     "Internal server error",
		"requestId": middleware.GetRequestID(c),
	})
}
