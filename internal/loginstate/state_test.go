package loginstate

import (
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	s := New(time.Minute)

	a, err := s.Generate("mall", "client")
	require.NoError(t, err)

	assert.Equal(t, "mall", a.MallID)
	assert.Equal(t, "client", a.ClientID)
	assert.NotEmpty(t, a.ID)

	raw, err := base64.RawURLEncoding.DecodeString(a.State)
	require.NoError(t, err, "state must be URL-safe base64")
	assert.Len(t, raw, stateBytes)

	b, err := s.Generate("mall", "client")
	require.NoError(t, err)
	assert.NotEqual(t, a.State, b.State)
}

func TestValidate(t *testing.T) {
	s := New(time.Minute)
	a, err := s.Generate("mall", "client")
	require.NoError(t, err)

	got, err := s.Validate(a.State)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.False(t, s.Outstanding())

	// Replay of a consumed state fails
	_, err = s.Validate(a.State)
	assert.ErrorIs(t, err, ErrStateMismatch)
}

func TestValidateMismatch(t *testing.T) {
	tests := []struct {
		name  string
		setup func(s *Store) string
	}{
		{
			name:  "no attempt outstanding",
			setup: func(*Store) string { return "anything" },
		},
		{
			name: "different state",
			setup: func(s *Store) string {
				_, _ = s.Generate("mall", "client")
				return "forged"
			},
		},
		{
			name: "empty state",
			setup: func(s *Store) string {
				_, _ = s.Generate("mall", "client")
				return ""
			},
		},
		{
			name: "superseded attempt",
			setup: func(s *Store) string {
				first, _ := s.Generate("mall", "client")
				_, _ = s.Generate("mall", "client")
				return first.State
			},
		},
		{
			name: "discarded attempt",
			setup: func(s *Store) string {
				a, _ := s.Generate("mall", "client")
				s.Discard()
				return a.State
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(time.Minute)
			_, err := s.Validate(tt.setup(s))
			assert.ErrorIs(t, err, ErrStateMismatch)
		})
	}
}

func TestValidateMismatchKeepsAttempt(t *testing.T) {
	s := New(time.Minute)
	a, err := s.Generate("mall", "client")
	require.NoError(t, err)

	_, err = s.Validate("forged")
	require.ErrorIs(t, err, ErrStateMismatch)

	_, err = s.Validate(a.State)
	assert.NoError(t, err)
}

func TestValidateExpired(t *testing.T) {
	now := time.Now()
	s := New(time.Minute, WithClock(func() time.Time { return now }))

	a, err := s.Generate("mall", "client")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = s.Validate(a.State)
	assert.ErrorIs(t, err, ErrStateMismatch)
	assert.False(t, s.Outstanding(), "expired attempt is destroyed")
}

func TestValidateConcurrentSingleUse(t *testing.T) {
	s := New(time.Minute)
	a, err := s.Generate("mall", "client")
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Validate(a.State); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
}
