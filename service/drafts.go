package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/policeconduct/formsapi/config"
	"github.com/policeconduct/formsapi/model"
	"github.com/policeconduct/formsapi/pkg/logger"
	"github.com/policeconduct/formsapi/pkg/metrics"
)

var draftIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// DraftStore keeps in-progress form data in the drafts bucket. Drafts are
// only readable within the active window; staleness is checked on read.
type DraftStore struct {
	store   ObjectStore
	config  *config.DraftsConfig
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewDraftStore(store ObjectStore, cfg *config.DraftsConfig, m *metrics.Metrics) *DraftStore {
	return &DraftStore{
		store:   store,
		config:  cfg,
		metrics: m,
		now:     time.Now,
	}
}

// ValidDraftID reports whether id can be used as a draft key.
func ValidDraftID(id string) bool {
	return draftIDPattern.MatchString(id)
}

func (s *DraftStore) key(draftID string) string {
	return s.config.Prefix + draftID + ".json"
}

// Save upserts the draft. An empty draftID gets a fresh one.
func (s *DraftStore) Save(ctx context.Context, draftID string, data json.RawMessage) (*model.DraftSaved, error) {
	if s.config.Bucket == "" {
		return nil, configError("DRAFTS_BUCKET")
	}
	if s.config.KMSKeyID == "" {
		return nil, configError("DRAFTS_KMS_KEY_ID")
	}

	data = compactObject(data)
	if size := encodedLen(data); s.config.MaxBytes > 0 && size > s.config.MaxBytes {
		s.metrics.DraftSaved("too_large")
		logger.Info(ctx, "forms.draft.too_large", "size_bytes", size, "max_bytes", s.config.MaxBytes)
		return nil, validationError(http.StatusRequestEntityTooLarge, "Draft payload too large.")
	}

	if draftID == "" {
		draftID = uuid.NewString()
	} else if !ValidDraftID(draftID) {
		s.metrics.DraftSaved("invalid_id")
		return nil, validationError(http.StatusBadRequest, "Invalid draftId.")
	}

	updatedAt := s.now().UTC().Truncate(time.Millisecond)
	body, err := json.Marshal(model.Draft{Data: data, UpdatedAt: updatedAt})
	if err != nil {
		return nil, storageError("failed to encode draft", err)
	}

	if err := s.store.Put(ctx, s.key(draftID), body, contentTypeJSON, s.config.KMSKeyID); err != nil {
		s.metrics.DraftSaved("error")
		return nil, storageError("failed to save draft", err)
	}

	s.metrics.DraftSaved("ok")
	logger.Debug(ctx, "forms.draft.saved", "draft_id", draftID, "size_bytes", len(data))
	return &model.DraftSaved{DraftID: draftID, UpdatedAt: updatedAt}, nil
}

// Get returns the active draft or nil. Absent, unreadable and stale drafts
// all come back as nil so callers cannot tell them apart.
func (s *DraftStore) Get(ctx context.Context, draftID string) (*model.Draft, error) {
	if s.config.Bucket == "" {
		return nil, configError("DRAFTS_BUCKET")
	}
	if draftID == "" || !ValidDraftID(draftID) {
		s.metrics.DraftRead("empty")
		return nil, nil
	}

	draft, err := s.load(ctx, draftID)
	if err != nil {
		s.metrics.DraftRead("error")
		return nil, err
	}
	if draft == nil {
		s.metrics.DraftRead("empty")
		return nil, nil
	}

	if draft.UpdatedAt.IsZero() || s.now().Sub(draft.UpdatedAt) > s.config.ActiveWindow {
		s.metrics.DraftRead("stale")
		return nil, nil
	}

	draft.DraftID = draftID
	s.metrics.DraftRead("active")
	return draft, nil
}

// MarkSubmitted clears the draft's data and stamps the submission that
// consumed it. A draft that no longer exists is left alone.
func (s *DraftStore) MarkSubmitted(ctx context.Context, draftID, submissionID string, formName model.FormName) error {
	if draftID == "" || !ValidDraftID(draftID) {
		return nil
	}
	if s.config.Bucket == "" {
		return configError("DRAFTS_BUCKET")
	}
	if s.config.KMSKeyID == "" {
		return configError("DRAFTS_KMS_KEY_ID")
	}

	draft, err := s.load(ctx, draftID)
	if err != nil || draft == nil {
		return err
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	draft.DraftID = ""
	draft.Data = model.EmptyObject
	draft.UpdatedAt = now
	draft.SubmissionID = submissionID
	draft.SubmittedAt = &now
	draft.SubmittedFormName = string(formName)

	body, err := json.Marshal(draft)
	if err != nil {
		return storageError("failed to encode draft", err)
	}
	if err := s.store.Put(ctx, s.key(draftID), body, contentTypeJSON, s.config.KMSKeyID); err != nil {
		return storageError("failed to mark draft submitted", err)
	}
	return nil
}

// load reads and decodes a draft. Missing or undecodable objects are nil.
func (s *DraftStore) load(ctx context.Context, draftID string) (*model.Draft, error) {
	body, err := s.store.Get(ctx, s.key(draftID))
	if errors.Is(err, ErrObjectNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError("failed to read draft", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	var draft model.Draft
	if err := json.Unmarshal(body, &draft); err != nil {
		logger.Warn(ctx, "forms.draft.unreadable", "draft_id", draftID, "error", err)
		return nil, nil
	}
	if len(draft.Data) == 0 || bytes.Equal(draft.Data, []byte("null")) {
		draft.Data = model.EmptyObject
	}
	return &draft, nil
}

// compactObject returns data in compact form, or {} when data is not a JSON
// object.
func compactObject(data json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return model.EmptyObject
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return model.EmptyObject
	}
	return buf.Bytes()
}

// encodedLen is the UTF-8 length of data re-encoded without escapes, so
// "\u00e9" from the client counts as the two bytes of "é". Numbers keep
// their literal form.
func encodedLen(data json.RawMessage) int {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return len(data)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return len(data)
	}
	return len(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
}
