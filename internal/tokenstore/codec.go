package tokenstore

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// persistedRecord is the on-disk JSON document. Pointer fields distinguish a
// missing field from a zero value during strict decoding.
type persistedRecord struct {
	AccessToken  *string `json:"accessToken"`
	RefreshToken *string `json:"refreshToken"`
	Scope        *string `json:"scope,omitempty"`
	ExpiresAt    *int64  `json:"expiresAt"`
	IssuedAt     *int64  `json:"issuedAt"`
	Encrypted    *bool   `json:"encrypted"`
}

// Codec converts records to and from their persisted representation.
type Codec struct {
	cipher  Cipher
	require bool
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// RequireEncryption makes Serialize fail instead of falling back to cleartext
// when the cipher is unavailable.
func RequireEncryption() CodecOption {
	return func(c *Codec) {
		c.require = true
	}
}

// NewCodec creates a Codec. A nil cipher behaves like PlaintextCipher.
func NewCodec(cipher Cipher, opts ...CodecOption) *Codec {
	if cipher == nil {
		cipher = PlaintextCipher{}
	}
	c := &Codec{cipher: cipher}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Serialize encodes the record, sealing the refresh token when the cipher is available.
func (c *Codec) Serialize(r *Record) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid token record: %w", err)
	}

	refreshToken := r.RefreshToken
	encrypted := c.cipher.Available()
	if encrypted {
		sealed, err := c.cipher.Encrypt([]byte(r.RefreshToken))
		if err != nil {
			return nil, fmt.Errorf("encrypting refresh token: %w", err)
		}
		refreshToken = base64.StdEncoding.EncodeToString(sealed)
	} else if c.require {
		return nil, errors.New("encryption required but no cipher is available")
	}

	expiresAt := r.ExpiresAt.UnixMilli()
	issuedAt := r.IssuedAt.UnixMilli()
	payload := persistedRecord{
		AccessToken:  &r.AccessToken,
		RefreshToken: &refreshToken,
		ExpiresAt:    &expiresAt,
		IssuedAt:     &issuedAt,
		Encrypted:    &encrypted,
	}
	if r.Scope != "" {
		payload.Scope = &r.Scope
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Deserialize decodes and validates a persisted record.
// Every failure wraps ErrCorrupt.
func (c *Codec) Deserialize(data []byte) (*Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var payload persistedRecord
	if err := dec.Decode(&payload); err != nil {
		return nil, corrupt("decoding: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, corrupt("trailing data after record")
	}

	switch {
	case payload.AccessToken == nil || *payload.AccessToken == "":
		return nil, corrupt("missing accessToken")
	case payload.RefreshToken == nil || *payload.RefreshToken == "":
		return nil, corrupt("missing refreshToken")
	case payload.ExpiresAt == nil || *payload.ExpiresAt <= 0:
		return nil, corrupt("missing or non-positive expiresAt")
	case payload.IssuedAt == nil || *payload.IssuedAt <= 0:
		return nil, corrupt("missing or non-positive issuedAt")
	case payload.Encrypted == nil:
		return nil, corrupt("missing encrypted flag")
	}

	refreshToken := *payload.RefreshToken
	if *payload.Encrypted {
		if !c.cipher.Available() {
			return nil, corrupt("refresh token is encrypted but no cipher is available")
		}
		sealed, err := base64.StdEncoding.DecodeString(refreshToken)
		if err != nil {
			return nil, corrupt("decoding refresh token: %v", err)
		}
		opened, err := c.cipher.Decrypt(sealed)
		if err != nil {
			return nil, corrupt("decrypting refresh token: %v", err)
		}
		if len(opened) == 0 {
			return nil, corrupt("decrypted refresh token is empty")
		}
		refreshToken = string(opened)
	}

	r := &Record{
		AccessToken:  *payload.AccessToken,
		RefreshToken: refreshToken,
		IssuedAt:     time.UnixMilli(*payload.IssuedAt),
		ExpiresAt:    time.UnixMilli(*payload.ExpiresAt),
		Encrypted:    *payload.Encrypted,
	}
	if payload.Scope != nil {
		r.Scope = *payload.Scope
	}
	return r, nil
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}
