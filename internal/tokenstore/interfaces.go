package tokenstore

import "context"

// Store reads and writes the persisted token record.
//
// At most one record exists at a time; Save replaces it entirely.
type Store interface {
	// Load returns the stored record, or nil without error if none exists.
	// Returns an error wrapping ErrCorrupt if the stored data fails validation.
	Load(ctx context.Context) (*Record, error)

	// Save persists the record, replacing any previous one.
	Save(ctx context.Context, record *Record) error

	// Delete removes the stored record. Deleting a missing record is not an error.
	Delete(ctx context.Context) error
}

// Cipher seals and opens refresh tokens at rest.
type Cipher interface {
	// Available reports whether the cipher can currently encrypt and decrypt.
	Available() bool

	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}
