package tokenstore

import (
	"errors"
	"fmt"
	"time"
)

// ErrCorrupt indicates persisted token data that failed validation.
// A corrupt record is treated the same as no record.
var ErrCorrupt = errors.New("token record is corrupt")

// Record is the durable unit of authentication state.
type Record struct {
	AccessToken  string
	RefreshToken string
	Scope        string
	IssuedAt     time.Time
	ExpiresAt    time.Time

	// Encrypted reports whether the refresh token was sealed when the record was
	// last written or read. Set by Codec; ignored on Save.
	Encrypted bool
}

// Validate checks the invariants every persisted record must satisfy.
func (r *Record) Validate() error {
	if r == nil {
		return errors.New("nil token record")
	}
	if r.AccessToken == "" {
		return errors.New("access token is empty")
	}
	// An access token without a refresh token cannot be renewed and is a persistence bug.
	if r.RefreshToken == "" {
		return errors.New("refresh token is empty")
	}
	if r.IssuedAt.UnixMilli() <= 0 {
		return fmt.Errorf("issued at must be positive, got %d", r.IssuedAt.UnixMilli())
	}
	if r.ExpiresAt.UnixMilli() <= 0 {
		return fmt.Errorf("expires at must be positive, got %d", r.ExpiresAt.UnixMilli())
	}
	return nil
}

// ValidateNew checks Validate plus the creation-time invariant expiresAt > issuedAt.
func (r *Record) ValidateNew() error {
	if err := r.Validate(); err != nil {
		return err
	}
	if !r.ExpiresAt.After(r.IssuedAt) {
		return fmt.Errorf("expires at (%d) must be after issued at (%d)", r.ExpiresAt.UnixMilli(), r.IssuedAt.UnixMilli())
	}
	return nil
}

// Usable reports whether the access token can be used at now without refreshing,
// i.e. now < expiresAt - skew.
func (r *Record) Usable(now time.Time, skew time.Duration) bool {
	return now.Before(r.ExpiresAt.Add(-skew))
}
