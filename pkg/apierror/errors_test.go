package apierror

import (
	"errors"
	"fmt"
	"testing"

	pkgErrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorIs(t *testing.T) {
	err := ErrOutOfOrder.With("level %d is still pending", 1)

	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.ErrorIs(t, err, &Error{Kind: KindStateConflict})
	assert.NotErrorIs(t, err, ErrAlreadyDecided)
	assert.NotErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, "level 1 is still pending", err.Error())
}

func TestErrorIsThroughWrapping(t *testing.T) {
	err := pkgErrors.Wrap(ErrAlreadyDecided, "deciding approval")

	assert.ErrorIs(t, err, ErrAlreadyDecided)
	assert.Equal(t, KindStateConflict, KindOf(err))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindValidation, KindOf(Validation("targetVersion is required")))
	assert.Equal(t, KindNotFound, KindOf(NotFound("deployment", "foo")))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestUpstream(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := Upstream(cause, "enqueueing job %s", "deploy")

	assert.Equal(t, KindUpstreamUnavailable, err.Kind)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "enqueueing job deploy: dial tcp: connection refused", err.Error())
}

func TestRepository(t *testing.T) {
	cause := errors.New("boom")

	transient := Repository(cause, true)
	assert.True(t, IsTransient(transient))
	assert.Equal(t, "DATABASE_UNAVAILABLE", transient.Code)

	permanent := Repository(cause, false)
	assert.False(t, IsTransient(permanent))
	assert.Equal(t, "DATABASE_ERROR", permanent.Code)
	assert.ErrorIs(t, permanent, &Error{Kind: KindRepository})
}
