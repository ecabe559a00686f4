package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := Newf(CodeEndpointArchived, "endpoint %s archived", "ep-1")
	wrapped := fmt.Errorf("dispatch: %w", err)

	assert.True(t, errors.Is(wrapped, ErrEndpointArchived))
	assert.False(t, errors.Is(wrapped, ErrEndpointDisabled))
	assert.Equal(t, CodeEndpointArchived, CodeOf(wrapped))
}

func TestError_UnwrapCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(CodeDispatchHTTP, "call failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "call failed: boom", err.Error())
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(CodeDispatchTimeout, "slow")))
	assert.True(t, Retryable(New(CodeDispatchHTTP, "500")))
	assert.False(t, Retryable(New(CodeEndpointArchived, "gone")))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestWithMetadata(t *testing.T) {
	err := New(CodeTemplateMissingField, "missing").WithMetadata("path", "contact.name")
	assert.Equal(t, "contact.name", err.Metadata["path"])
}
