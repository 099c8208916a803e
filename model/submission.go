package model

import (
	"encoding/json"
	"time"
)

// FormName identifies one of the site's public forms.
type FormName string

// The allow-list is a contract with the site: every <form name="..."> the
// frontend renders must appear here, and the reCAPTCHA action it requests
// must be ExpectedAction of that name.
const (
	FormContact                       FormName = "contact"
	FormVolunteer                     FormName = "volunteer"
	FormIssue                         FormName = "issue"
	FormCivilLitigationNew            FormName = "civil_litigation_new"
	FormCivilLitigationEditSuggestion FormName = "civil_litigation_edit_suggestion"
	FormAgencyNewSuggestion           FormName = "agency_new_suggestion"
	FormAgencyEditSuggestion          FormName = "agency_edit_suggestion"
	FormPersonnelNewSuggestion        FormName = "personnel_new_suggestion"
	FormOfficerEditSuggestion         FormName = "officer_edit_suggestion"
	FormDataSubjectAccessRequest      FormName = "data_subject_access_request"
	FormReportNew                     FormName = "report_new"
)

var allowedForms = map[FormName]struct{}{
	FormContact:                       {},
	FormVolunteer:                     {},
	FormIssue:                         {},
	FormCivilLitigationNew:            {},
	FormCivilLitigationEditSuggestion: {},
	FormAgencyNewSuggestion:           {},
	FormAgencyEditSuggestion:          {},
	FormPersonnelNewSuggestion:        {},
	FormOfficerEditSuggestion:         {},
	FormDataSubjectAccessRequest:      {},
	FormReportNew:                     {},
}

// Allowed reports whether the form name is on the allow-list.
func (f FormName) Allowed() bool {
	_, ok := allowedForms[f]
	return ok
}

// ExpectedAction is the reCAPTCHA action a token for this form must carry.
func (f FormName) ExpectedAction() string {
	return string(f) + "_submit"
}

// AllowedForms returns the allow-list in no particular order.
func AllowedForms() []FormName {
	names := make([]FormName, 0, len(allowedForms))
	for name := range allowedForms {
		names = append(names, name)
	}
	return names
}

// Submission is the immutable record written for every accepted form.
type Submission struct {
	SubmissionID string          `json:"submissionId"`
	FormName     FormName        `json:"formName"`
	ReceivedAt   time.Time       `json:"receivedAt"`
	SourceIP     string          `json:"sourceIp,omitempty"`
	UserAgent    string          `json:"userAgent,omitempty"`
	DraftID      string          `json:"draftId,omitempty"`
	Data         json.RawMessage `json:"data"`
}

type SubmitResult struct {
	SubmissionID string `json:"submissionId"`
}
