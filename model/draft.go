package model

import (
	"encoding/json"
	"time"
)

// Draft is the stored form of an in-progress submission.
type Draft struct {
	DraftID           string          `json:"draftId,omitempty"`
	Data              json.RawMessage `json:"data"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	SubmissionID      string          `json:"submissionId,omitempty"`
	SubmittedAt       *time.Time      `json:"submittedAt,omitempty"`
	SubmittedFormName string          `json:"submittedFormName,omitempty"`
}

// Submitted reports whether the draft has been tombstoned by a submission.
func (d *Draft) Submitted() bool {
	return d.SubmissionID != ""
}

// DraftSaved is returned from a draft save.
type DraftSaved struct {
	DraftID   string    `json:"draftId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EmptyObject is the JSON value stored in place of cleared draft data.
var EmptyObject = json.RawMessage(`{}`)
