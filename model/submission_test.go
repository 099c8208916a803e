package model

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormNameAllowed(t *testing.T) {
	for _, name := range AllowedForms() {
		assert.True(t, name.Allowed(), name)
	}

	for _, name := range []FormName{"", "Contact", "civil-litigation-new", "reportNew", "contact "} {
		assert.False(t, name.Allowed(), "%q should not be allowed", name)
	}
}

func TestExpectedActionIsValidRecaptchaAction(t *testing.T) {
	// reCAPTCHA only accepts alphanumerics, slashes and underscores in actions.
	valid := regexp.MustCompile(`^[A-Za-z0-9/_]+$`)

	assert.Len(t, AllowedForms(), 11)
	for _, name := range AllowedForms() {
		action := name.ExpectedAction()
		assert.Regexp(t, valid, action)
		assert.Equal(t, string(name)+"_submit", action)
	}
	assert.Equal(t, "contact_submit", FormContact.ExpectedAction())
}
