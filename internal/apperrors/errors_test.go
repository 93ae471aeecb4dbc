package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/imi-licensing/internal/models"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", NewValidation("bad input", "end before start"), http.StatusUnprocessableEntity},
		{"conflict", NewConflict("overlap", nil), http.StatusConflict},
		{"permission", NewPermission("not the brand"), http.StatusForbidden},
		{"state", NewStateTransition("ACTIVE -> DRAFT"), http.StatusConflict},
		{"not found", NewNotFound("license", uuid.Nil), http.StatusNotFound},
		{"idempotency", NewIdempotencyInProgress("k1"), http.StatusConflict},
		{"wrapped internal", Wrap(errors.New("db down"), "load license"), http.StatusInternalServerError},
		{"plain error", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestAsThroughWrapping(t *testing.T) {
	conflicts := []models.Conflict{{ConflictingLicenseID: uuid.New(), ReasonCode: models.ConflictExclusiveOverlap}}
	err := fmt.Errorf("create license: %w", NewConflict("license conflicts with existing grants", conflicts))

	appErr, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, ErrTypeConflict, appErr.Type)
	assert.Len(t, appErr.Conflicts, 1)
	assert.True(t, IsType(err, ErrTypeConflict))
	assert.False(t, IsType(err, ErrTypeValidation))
}

func TestErrorMessageIncludesDetails(t *testing.T) {
	err := NewValidation("validation failed", "start date is required", "fee must be positive")
	assert.Contains(t, err.Error(), "start date is required")
	assert.Contains(t, err.Error(), "fee must be positive")

	cause := errors.New("connection reset")
	wrapped := Wrap(cause, "load asset %s", "a1")
	assert.ErrorIs(t, wrapped, cause)
	assert.Contains(t, wrapped.Error(), "load asset a1")
}
