package errors_test

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	apperrors "github.com/koopa0/system-design/14-lasca-sync/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestAppError_IsByCode(t *testing.T) {
	err := apperrors.Newf(apperrors.CodeRoomNotFound, "room %s not found", "abc")

	assert.True(t, stderrors.Is(err, apperrors.ErrRoomNotFound))
	assert.False(t, stderrors.Is(err, apperrors.ErrRoomFull))
	assert.True(t, apperrors.IsNotFound(fmt.Errorf("load: %w", err)))
}

func TestAppError_WrapKeepsCause(t *testing.T) {
	cause := stderrors.New("disk on fire")
	err := apperrors.Wrap(cause, apperrors.CodeInternal, "append event")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "[INTERNAL_ERROR] append event: disk on fire", err.Error())
}

func TestAppError_WithDetailsDoesNotMutateSentinel(t *testing.T) {
	detailed := apperrors.ErrStaleStateVersion.WithDetails("expected 3, current 4")

	assert.Equal(t, "expected 3, current 4", detailed.Details)
	assert.Empty(t, apperrors.ErrStaleStateVersion.Details)
	assert.True(t, apperrors.IsStale(detailed))
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"app error", apperrors.ErrInvalidMove, apperrors.CodeInvalidMove},
		{"wrapped app error", fmt.Errorf("submit: %w", apperrors.ErrGameOver), apperrors.CodeGameOver},
		{"plain error", stderrors.New("boom"), apperrors.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperrors.CodeOf(tt.err))
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperrors.ErrValidation, http.StatusBadRequest},
		{apperrors.ErrForbidden, http.StatusForbidden},
		{apperrors.ErrRoomNotFound, http.StatusNotFound},
		{apperrors.ErrNotYourTurn, http.StatusConflict},
		{apperrors.ErrStaleStateVersion.WithDetails("expected 1"), http.StatusConflict},
		{apperrors.ErrGameOver, http.StatusConflict},
		{apperrors.ErrInvalidMove, http.StatusUnprocessableEntity},
		{apperrors.ErrUnsupportedRulesVersion, http.StatusInternalServerError},
		{stderrors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(apperrors.CodeOf(tt.err), func(t *testing.T) {
			assert.Equal(t, tt.want, apperrors.HTTPStatus(tt.err))
		})
	}
}
