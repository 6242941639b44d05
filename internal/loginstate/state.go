// Package loginstate tracks the single outstanding OAuth login attempt and its
// anti-CSRF state parameter.
package loginstate

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// stateBytes is the amount of randomness in a state parameter (256 bits).
const stateBytes = 32

// ErrStateMismatch is returned when a redirect's state does not match the outstanding
// attempt, including when no attempt is outstanding or it has already been consumed.
var ErrStateMismatch = errors.New("state mismatch")

// Attempt correlates one outstanding login with the merchant context it was started for.
type Attempt struct {
	// ID correlates log lines of one attempt. Unlike State it is safe to log.
	ID       uuid.UUID
	State    string
	MallID   string
	ClientID string

	CreatedAt time.Time
}

// Store holds at most one outstanding Attempt.
type Store struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	current *Attempt
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a Store whose attempts expire after ttl. A zero ttl disables expiry.
func New(ttl time.Duration, opts ...Option) *Store {
	s := &Store{
		ttl: ttl,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate creates a fresh attempt with an unguessable, URL-safe state.
// Any prior unconsumed attempt is invalidated.
func (s *Store) Generate(mallID, clientID string) (*Attempt, error) {
	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generating state: %w", err)
	}

	attempt := &Attempt{
		ID:        uuid.New(),
		State:     base64.RawURLEncoding.EncodeToString(buf),
		MallID:    mallID,
		ClientID:  clientID,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	s.current = attempt
	s.mu.Unlock()

	return attempt, nil
}

// Validate consumes the outstanding attempt if and only if state matches it exactly.
// A successful validation cannot be replayed.
func (s *Store) Validate(state string) (*Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt := s.current
	if attempt == nil || state == "" {
		return nil, ErrStateMismatch
	}
	if subtle.ConstantTimeCompare([]byte(attempt.State), []byte(state)) != 1 {
		return nil, ErrStateMismatch
	}

	s.current = nil

	if s.ttl > 0 && s.now().Sub(attempt.CreatedAt) > s.ttl {
		return nil, fmt.Errorf("%w: attempt expired", ErrStateMismatch)
	}
	return attempt, nil
}

// Discard drops the outstanding attempt, if any.
func (s *Store) Discard() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}

// Outstanding reports whether an attempt is waiting to be consumed.
func (s *Store) Outstanding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}
