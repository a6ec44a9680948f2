package errors_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dioerrors "github.com/augustday/ublockfs/errors"
)

func TestDiskoError_Error(t *testing.T) {
	assert.Equal(t, "no such file or directory", dioerrors.ErrNotFound.Error())
}

func TestWithMessage_PreservesKind(t *testing.T) {
	wrapped := dioerrors.ErrNotFound.WithMessage("/a/b/c")
	assert.Contains(t, wrapped.Error(), "/a/b/c")
	assert.True(t, errors.Is(wrapped, dioerrors.ErrNotFound))
	assert.False(t, errors.Is(wrapped, dioerrors.ErrExists))
}

func TestWrapError_PreservesKindAndCause(t *testing.T) {
	cause := errors.New("disk on fire")
	wrapped := dioerrors.ErrIOFailed.WrapError(cause)

	require.True(t, errors.Is(wrapped, dioerrors.ErrIOFailed))
	assert.Same(t, cause, errors.Unwrap(wrapped))
	assert.Contains(t, wrapped.Error(), "disk on fire")
}

func TestWithMessage_ChainedStillMatchesKind(t *testing.T) {
	wrapped := dioerrors.ErrExists.WithMessage("first").WithMessage("second")
	assert.True(t, errors.Is(wrapped, dioerrors.ErrExists))
	assert.Contains(t, wrapped.Error(), "second")
}

func TestWrapError_ThenWithMessage_StillMatchesOriginalKind(t *testing.T) {
	cause := errors.New("boom")
	wrapped := dioerrors.ErrNoSpaceOnDevice.WrapError(cause).WithMessage("while allocating")
	assert.True(t, errors.Is(wrapped, dioerrors.ErrNoSpaceOnDevice))
}
