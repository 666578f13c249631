package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_WrappedError(t *testing.T) {
	err := fmt.Errorf("loading session: %w", NotFound("Session not found"))
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.True(t, Is(err, KindNotFound))
	assert.False(t, Is(err, KindForbidden))
}

func TestKindOf_PlainErrorIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.False(t, Is(nil, KindInternal))
}

func TestMessage_HidesInternalCause(t *testing.T) {
	err := Internal("store failure", errors.New("disk on fire"))
	assert.Equal(t, "Internal Server error", Message(err))
	assert.ErrorContains(t, err, "disk on fire")
	assert.Equal(t, "Forbidden", Message(Forbidden("Session not accessible")))
	assert.Equal(t, "Session not found", Message(NotFound("Session not found")))
}

func TestBadRequestUpstream_CarriesStatusAndBody(t *testing.T) {
	err := BadRequestUpstream(401, `{"error":"bad key"}`)
	assert.Equal(t, KindBadRequestUpstream, err.Kind)
	assert.Contains(t, err.Msg, "401")
	assert.Contains(t, err.Msg, "bad key")
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindNotFound:           http.StatusNotFound,
		KindForbidden:          http.StatusForbidden,
		KindConflict:           http.StatusConflict,
		KindBadRequestUpstream: http.StatusBadRequest,
		KindInternal:           http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, HTTPStatus(kind), kind)
	}
}
