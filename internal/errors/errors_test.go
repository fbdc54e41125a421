package pwerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Unwrap_PreservesOriginalError(t *testing.T) {
	original := errors.New("disk read failed")
	wrapped := New(ErrCodeFileNotFound, "bundle file not found: manifest.json", original)

	assert.Same(t, original, wrapped.Unwrap())
}

func TestError_Error_ReturnsFormattedMessage(t *testing.T) {
	tests := []struct {
		name string
		code string
		msg  string
	}{
		{"config code", ErrCodeConfigNotFound, "config file missing"},
		{"io code", ErrCodeFileNotFound, "chunk store not found"},
		{"network code", ErrCodeNetworkTransient, "connection reset"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.msg, nil)
			assert.Contains(t, err.Error(), tt.code)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestError_Is_MatchesByCode(t *testing.T) {
	err1 := New(ErrCodeFileNotFound, "bundle A missing", nil)
	err2 := New(ErrCodeFileNotFound, "bundle B missing", nil)

	assert.True(t, errors.Is(err1, err2))
}

func TestError_Is_DoesNotMatchDifferentCodes(t *testing.T) {
	err1 := New(ErrCodeFileNotFound, "missing", nil)
	err2 := New(ErrCodeConfigNotFound, "missing config", nil)

	assert.False(t, errors.Is(err1, err2))
}

func TestError_WithDetail_AddsContext(t *testing.T) {
	err := New(ErrCodeMalformedPage, "unterminated page element", nil)
	err.WithDetail("stage", "xmlstream").WithDetail("offset", "10485760")

	assert.Equal(t, "xmlstream", err.Details["stage"])
	assert.Equal(t, "10485760", err.Details["offset"])
}

func TestError_WithSuggestion_AddsSuggestion(t *testing.T) {
	err := New(ErrCodeCheckpointMismatch, "etag changed", nil).
		WithSuggestion("delete the checkpoint and restart the build from scratch")

	assert.Contains(t, err.Suggestion, "restart the build")
}

func TestCategoryFromCode(t *testing.T) {
	tests := []struct {
		code string
		want Category
	}{
		{ErrCodeConfigNotFound, CategoryConfig},
		{ErrCodeConfigInvalid, CategoryConfig},
		{ErrCodeFileNotFound, CategoryIO},
		{ErrCodeFilePermission, CategoryIO},
		{ErrCodeCorruptIndex, CategoryIO},
		{ErrCodeNetworkTransient, CategoryNetwork},
		{ErrCodeNetworkFatal, CategoryNetwork},
		{ErrCodeMalformedVarint, CategoryFormat},
		{ErrCodeTruncatedInput, CategoryFormat},
		{ErrCodeInternal, CategoryInternal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, categoryFromCode(tt.code), tt.code)
	}
}

func TestSeverityFromCode(t *testing.T) {
	tests := []struct {
		code string
		want Severity
	}{
		{ErrCodeCorruptIndex, SeverityFatal},
		{ErrCodeDiskFull, SeverityFatal},
		{ErrCodeNetworkFatal, SeverityFatal},
		{ErrCodeMalformedVarint, SeverityFatal},
		{ErrCodeFileNotFound, SeverityError},
		{ErrCodeNetworkTransient, SeverityWarning},
		{ErrCodeExternalFailure, SeverityWarning},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, severityFromCode(tt.code), tt.code)
	}
}

func TestRetryableFromCode(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{ErrCodeNetworkTransient, true},
		{ErrCodeExternalFailure, true},
		{ErrCodeNetworkFatal, false},
		{ErrCodeFileNotFound, false},
		{ErrCodeCorruptIndex, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, isRetryableCode(tt.code), tt.code)
	}
}

func TestWrap_CreatesErrorFromError(t *testing.T) {
	original := errors.New("boom")
	wrapped := Wrap(ErrCodeInternal, original)

	assert.Equal(t, ErrCodeInternal, wrapped.Code)
	assert.Equal(t, "boom", wrapped.Message)
	assert.Same(t, original, wrapped.Cause)
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeInternal, nil))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"retryable error", New(ErrCodeNetworkTransient, "timeout", nil), true},
		{"non-retryable error", New(ErrCodeFileNotFound, "not found", nil), false},
		{"wrapped retryable", Wrap(ErrCodeNetworkTransient, errors.New("wrapped")), true},
		{"plain error", errors.New("plain"), false},
		{"nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(New(ErrCodeCorruptIndex, "index corrupt", nil)))
	assert.True(t, IsFatal(New(ErrCodeDiskFull, "no space left", nil)))
	assert.False(t, IsFatal(New(ErrCodeFileNotFound, "not found", nil)))
	assert.False(t, IsFatal(nil))
}

func TestCode(t *testing.T) {
	assert.Equal(t, ErrCodeInternal, Code(New(ErrCodeInternal, "oops", nil)))
	assert.Equal(t, "", Code(errors.New("plain")))
}
