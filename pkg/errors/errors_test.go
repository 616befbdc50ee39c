package errors

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, NewValidationError("bad input", "action").HTTPStatus())
	assert.Equal(t, http.StatusUnauthorized, NewStandardError("Unauthorized", "invalid credentials", "").HTTPStatus())
	assert.Equal(t, http.StatusNotFound, NewReservationNotFound("a.session").HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, NewInternalError("boom", nil).HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, NewStandardError("SomethingElse", "m", "d").HTTPStatus())
}

func TestStandardError_Error(t *testing.T) {
	err := NewReservationNotFound("a.session")
	assert.Equal(t, "no active reservation for item", err.Error())
	assert.Equal(t, "Item ID: a.session", err.Details)
}
