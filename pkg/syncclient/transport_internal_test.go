package syncclient

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/koopa0/system-design/14-lasca-sync/pkg/errors"
)

func TestNewBackoff(t *testing.T) {
	b := newBackoff()

	want := []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		2 * time.Second,
		2 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.NextBackOff(), "attempt %d", i+1)
	}

	b.Reset()
	assert.Equal(t, 250*time.Millisecond, b.NextBackOff(), "reset after a successful connection")
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "room not found", err: apperrors.New(apperrors.CodeRoomNotFound, "room not found"), want: true},
		{name: "forbidden", err: apperrors.New(apperrors.CodeForbidden, "watch token required"), want: true},
		{name: "validation", err: apperrors.New(apperrors.CodeValidation, "roomId is required"), want: true},
		{name: "internal", err: apperrors.New(apperrors.CodeInternal, "boom"), want: false},
		{name: "network", err: errors.New("connection refused"), want: false},
		{name: "nil", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isPermanent(tt.err))
		})
	}
}
