package errdefs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	err := NotFound("sandbox %s", "sbx-000000000001")
	wrapped := fmt.Errorf("loading record: %w", err)
	doubleWrapped := fmt.Errorf("handling request: %w", wrapped)

	assert.True(t, IsNotFound(err))
	assert.True(t, IsNotFound(wrapped))
	assert.True(t, IsNotFound(doubleWrapped))
	assert.False(t, IsConflict(doubleWrapped))
	assert.Contains(t, err.Error(), "sbx-000000000001")
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{NotFound("x"), "not_found"},
		{Conflict("x"), "conflict"},
		{InvalidState("x"), "invalid_state"},
		{Validation("x"), "validation"},
		{Timeout("x"), "timeout"},
		{Unavailable("x"), "unavailable"},
		{Unauthenticated("x"), "unauthenticated"},
		{Forbidden("x"), "forbidden"},
		{NotImplemented("x"), "not_implemented"},
		{Internal("x"), "internal"},
		{fmt.Errorf("plain"), "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", InvalidState("cannot exec")))
	assert.Equal(t, "invalid_state", Kind(err))
}
