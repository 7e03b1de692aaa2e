package kinerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindClassification(t *testing.T) {
	assert.True(t, IsPreconditionFailed(PreconditionFailed("shard-000", errors.New("condition failed"))))
	assert.True(t, IsNotFound(NotFound("stream", errors.New("missing"))))
	assert.True(t, IsTransient(Transient(errors.New("connection reset"))))
	assert.False(t, IsTransient(Fatal(errors.New("bad argument"))))
}

func TestErrorUnwrapsToCause(t *testing.T) {
	cause := errors.New("underlying")
	err := Transient(cause)

	assert.ErrorIs(t, err, cause)
}

func TestPreconditionFailedCarriesSlot(t *testing.T) {
	err := PreconditionFailed("shard-000", nil)

	var kerr *Error
	require := assert.New(t)
	require.True(errors.As(err, &kerr))
	require.Equal("shard-000", kerr.Slot)
	require.Equal(KindPrecondition, kerr.Kind)
}

func TestNilCauseReturnsNilError(t *testing.T) {
	assert.Nil(t, Transient(nil))
	assert.Nil(t, Fatal(nil))
}
