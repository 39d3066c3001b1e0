package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      *UserError
		expected string
	}{
		{
			name:     "simple message",
			err:      &UserError{Code: ErrCodeConfigParse, Message: "invalid YAML syntax"},
			expected: "invalid YAML syntax",
		},
		{
			name:     "message with context",
			err:      &UserError{Code: ErrCodeConfigParse, Message: "invalid YAML syntax", Context: "plughost.yaml"},
			expected: "invalid YAML syntax (at plughost.yaml)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestUserError_Format(t *testing.T) {
	t.Parallel()

	err := &UserError{
		Code:       ErrCodeValidationFailed,
		Message:    "isolation: unknown mode",
		Context:    "isolation",
		Suggestion: "Use one of: auto, inprocess, process.",
	}

	formatted := err.Format()
	assert.Contains(t, formatted, "[VALIDATION_FAILED]")
	assert.Contains(t, formatted, "Location: isolation")
	assert.Contains(t, formatted, "Suggestion: Use one of")
}

func TestUserError_Chain(t *testing.T) {
	t.Parallel()

	underlying := errors.New("line 3: mapping values are not allowed in this context")
	err := NewYAMLParseError("plughost.yaml", underlying)

	assert.ErrorIs(t, err, underlying)
	assert.ErrorIs(t, err, &UserError{Code: ErrCodeConfigParse})
	assert.NotErrorIs(t, err, &UserError{Code: ErrCodeConfigRead})
	assert.Equal(t, "invalid YAML structure", err.Message)
	assert.Equal(t, "plughost.yaml (line 3)", err.Context)

	assert.True(t, IsUserError(err, ErrCodeConfigParse))
	assert.False(t, IsUserError(underlying, ErrCodeConfigParse))
	assert.Same(t, err, GetUserError(err))
	assert.Nil(t, GetUserError(underlying))
}

func TestErrorList(t *testing.T) {
	t.Parallel()

	list := NewErrorList()
	require.NoError(t, list.AsError())
	assert.Empty(t, list.Error())

	list.AddValidation("isolation", "unknown mode", "")
	assert.Equal(t, "isolation: unknown mode (at isolation)", list.Error())

	list.Add(nil)
	list.AddValidation("storage.backend", "unknown backend", "")
	require.Error(t, list.AsError())
	assert.Len(t, list.Errors(), 2)
	assert.Contains(t, list.Error(), "2 errors occurred")
}
