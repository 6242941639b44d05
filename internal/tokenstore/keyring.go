package tokenstore

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeyringCipher seals refresh tokens with XChaCha20-Poly1305 under a key held in
// OS-native credential storage (macOS Keychain, Windows Credential Manager, or
// Linux Secret Service). The key is created on first use.
type KeyringCipher struct {
	service string
	user    string

	loadKey func() ([]byte, error)
}

// Compile-time check to ensure KeyringCipher implements Cipher
var _ Cipher = (*KeyringCipher)(nil)

// NewKeyringCipher creates a KeyringCipher using the given keyring service and user identifiers.
// No keyring access happens until the cipher is first used.
func NewKeyringCipher(service, user string) (*KeyringCipher, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}
	if user == "" {
		return nil, fmt.Errorf("user cannot be empty")
	}

	k := &KeyringCipher{
		service: service,
		user:    user,
	}
	k.loadKey = sync.OnceValues(k.fetchOrCreateKey)

	return k, nil
}

// Available reports whether the keyring could be reached and holds a usable key.
// The result of the first probe is cached for the lifetime of the cipher.
func (k *KeyringCipher) Available() bool {
	_, err := k.loadKey()
	return err == nil
}

// Encrypt seals plaintext, prefixing the random nonce to the ciphertext.
func (k *KeyringCipher) Encrypt(plaintext []byte) ([]byte, error) {
	key, err := k.loadKey()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (k *KeyringCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	key, err := k.loadKey()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, sealed, nil)
}

func (k *KeyringCipher) fetchOrCreateKey() ([]byte, error) {
	encoded, err := keyring.Get(k.service, k.user)
	switch {
	case err == nil:
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil || len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("invalid encryption key in keyring for service %s, user %s", k.service, k.user)
		}
		return key, nil
	case errors.Is(err, keyring.ErrNotFound):
		// First use, fall through to key generation
	default:
		slog.Warn("keyring unavailable, refresh tokens will be stored in cleartext", "error", err)
		return nil, fmt.Errorf("reading encryption key from keyring: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating encryption key: %w", err)
	}
	if err := keyring.Set(k.service, k.user, base64.StdEncoding.EncodeToString(key)); err != nil {
		slog.Warn("keyring unavailable, refresh tokens will be stored in cleartext", "error", err)
		return nil, fmt.Errorf("writing encryption key to keyring: %w", err)
	}
	return key, nil
}

// PlaintextCipher is the Cipher used when no confidentiality primitive exists.
// It is never available, so records are written with encrypted=false.
type PlaintextCipher struct{}

// Compile-time check to ensure PlaintextCipher implements Cipher
var _ Cipher = PlaintextCipher{}

func (PlaintextCipher) Available() bool { return false }

func (PlaintextCipher) Encrypt([]byte) ([]byte, error) {
	return nil, errors.New("encryption unavailable")
}

func (PlaintextCipher) Decrypt([]byte) ([]byte, error) {
	return nil, errors.New("encryption unavailable")
}
