package tokenstore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestNewKeyringCipherValidation(t *testing.T) {
	_, err := NewKeyringCipher("", "user")
	assert.Error(t, err)

	_, err = NewKeyringCipher("service", "")
	assert.Error(t, err)
}

func TestKeyringCipherCreatesAndReusesKey(t *testing.T) {
	keyring.MockInit()

	first, err := NewKeyringCipher("mallreview-test", "tester")
	require.NoError(t, err)
	require.True(t, first.Available())

	sealed, err := first.Encrypt([]byte("secret"))
	require.NoError(t, err)

	stored, err := keyring.Get("mallreview-test", "tester")
	require.NoError(t, err)
	assert.NotEmpty(t, stored)

	// A second cipher must pick up the same key from the keyring
	second, err := NewKeyringCipher("mallreview-test", "tester")
	require.NoError(t, err)

	opened, err := second.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(opened))
}

func TestKeyringCipherNonceIsRandom(t *testing.T) {
	c := newTestKeyringCipher(t)

	a, err := c.Encrypt([]byte("secret"))
	require.NoError(t, err)
	b, err := c.Encrypt([]byte("secret"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestKeyringCipherUnavailable(t *testing.T) {
	keyring.MockInitWithError(errors.New("no secret service"))
	t.Cleanup(keyring.MockInit)

	c, err := NewKeyringCipher("mallreview-test", "tester")
	require.NoError(t, err)

	assert.False(t, c.Available())

	_, err = c.Encrypt([]byte("secret"))
	assert.Error(t, err)

	// Codec falls back to cleartext with the flag cleared
	codec := NewCodec(c)
	data, err := codec.Serialize(testRecord())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"encrypted": false`)
}

func TestKeyringCipherRejectsShortCiphertext(t *testing.T) {
	c := newTestKeyringCipher(t)

	_, err := c.Decrypt([]byte("short"))
	assert.Error(t, err)
}
