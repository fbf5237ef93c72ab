package errkind

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapAndOf(t *testing.T) {
	base := errors.New("pool closed")
	err := Wrap(ResourceExhausted, "acquire connection", base)

	assert.Equal(t, ResourceExhausted, Of(err))
	assert.True(t, Is(err, ResourceExhausted))
	assert.False(t, Is(err, Internal))
	assert.ErrorIs(t, err, base)
}

func TestOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, Internal, Of(errors.New("plain error")))
}

func TestErrorMessageIncludesDetailAndCause(t *testing.T) {
	err := Wrap(Conflict, "transition B to running before A completes", errors.New("dependency unmet"))
	assert.Contains(t, err.Error(), "conflict")
	assert.Contains(t, err.Error(), "dependency unmet")
}
