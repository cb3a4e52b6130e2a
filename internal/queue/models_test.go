package queue

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceiptRoundTrip(t *testing.T) {
	r := Receipt{ID: 42, Token: "5f0c1c1e-8a53-4e3a-9a55-000000000001"}

	parsed, err := ParseReceipt(r.String())
	require.NoError(t, err)
	assert.Equal(t, r, parsed)
}

func TestParseReceiptRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"no separator", "42"},
		{"empty token", "42."},
		{"non numeric id", "abc.token"},
		{"zero id", "0.token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseReceipt(tt.in)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestMessageReceipt(t *testing.T) {
	token := "tok"
	m := Message{ID: 7, ClaimToken: &token}
	assert.Equal(t, Receipt{ID: 7, Token: "tok"}, m.Receipt())

	unclaimed := Message{ID: 8}
	assert.Equal(t, Receipt{ID: 8}, unclaimed.Receipt())
}

func TestClaimOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    ClaimOptions
		wantErr bool
	}{
		{"valid", ClaimOptions{Queue: "q", Limit: 1, Visibility: time.Second}, false},
		{"missing queue", ClaimOptions{Limit: 1, Visibility: time.Second}, true},
		{"zero limit", ClaimOptions{Queue: "q", Visibility: time.Second}, true},
		{"zero visibility", ClaimOptions{Queue: "q", Limit: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidArgument)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	wrapped := fmt.Errorf("claim: %w: %w", ErrStoreUnavailable, errors.New("connection reset"))
	assert.True(t, IsRetryable(wrapped))
	assert.False(t, IsRetryable(ErrSchema))
	assert.Equal(t, "expired", Expired.String())
}
