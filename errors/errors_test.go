package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassString(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.class.String())
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"coordination unavailable", ErrCoordinationUnavailable, true},
		{"collaborator query", ErrCollaboratorQuery, true},
		{"context deadline", context.DeadlineExceeded, true},
		{"timeout pattern", New("dial tcp: i/o timeout"), true},
		{"bind conflict", ErrBindConflict, false},
		{"wrapped transient", WrapTransient(New("boom"), "Store", "Get", "read key"), true},
		{"wrapped fatal", WrapFatal(New("boom"), "Listener", "Start", "bind socket"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsTransient(tt.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrBindConflict))
	assert.True(t, IsFatal(ErrInvalidConfig))
	assert.True(t, IsFatal(WrapFatal(New("boom"), "Listener", "Start", "bind")))
	assert.False(t, IsFatal(ErrCoordinationUnavailable))
	assert.False(t, IsFatal(nil))
}

func TestWrapFormatsContext(t *testing.T) {
	base := New("socket busy")
	err := Wrap(base, "Listener", "Start", "bind socket")
	require.Error(t, err)
	assert.Equal(t, "Listener.Start: bind socket failed: socket busy", err.Error())
	assert.True(t, Is(err, base))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "C", "M", "a"))
	assert.NoError(t, WrapTransient(nil, "C", "M", "a"))
	assert.NoError(t, WrapInvalid(nil, "C", "M", "a"))
	assert.NoError(t, WrapFatal(nil, "C", "M", "a"))
}

func TestClassifiedErrorUnwrap(t *testing.T) {
	err := WrapInvalid(ErrInvalidConfig, "Settings", "Validate", "check port")

	var ce *ClassifiedError
	require.True(t, As(err, &ce))
	assert.Equal(t, ErrorInvalid, ce.Class)
	assert.Equal(t, "Settings", ce.Component)
	assert.Equal(t, "Validate", ce.Operation)
	assert.True(t, Is(err, ErrInvalidConfig))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(nil))
	assert.Equal(t, ErrorTransient, Classify(ErrCoordinationUnavailable))
	assert.Equal(t, ErrorFatal, Classify(ErrBindConflict))
	assert.Equal(t, ErrorTransient, Classify(fmt.Errorf("something unknown")))
}
