package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initTestKey(t *testing.T) {
	t.Helper()
	require.NoError(t, InitEncryption([]byte("0123456789abcdef0123456789abcdef")))
}

func TestInitEncryption_RejectsWrongKeyLength(t *testing.T) {
	assert.Error(t, InitEncryption([]byte("too short")))
	assert.Error(t, InitEncryption(make([]byte, 33)))
	assert.NoError(t, InitEncryption(make([]byte, 32)))
}

func TestEncryptedString_RoundTrip(t *testing.T) {
	initTestKey(t)

	plain := EncryptedString("super-secret-value")

	stored, err := plain.Value()
	require.NoError(t, err)

	ciphertext, ok := stored.(string)
	require.True(t, ok)
	assert.NotEqual(t, string(plain), ciphertext, "value must not be stored in the clear")

	var decoded EncryptedString
	require.NoError(t, decoded.Scan(ciphertext))
	assert.Equal(t, plain, decoded)
}

func TestEncryptedString_UniqueNoncePerEncryption(t *testing.T) {
	initTestKey(t)

	plain := EncryptedString("same input")
	first, err := plain.Value()
	require.NoError(t, err)
	second, err := plain.Value()
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "each encryption must use a fresh nonce")
}

func TestEncryptedString_EmptyPassesThrough(t *testing.T) {
	initTestKey(t)

	stored, err := EncryptedString("").Value()
	require.NoError(t, err)
	assert.Equal(t, "", stored)

	var decoded EncryptedString
	require.NoError(t, decoded.Scan(""))
	assert.Equal(t, EncryptedString(""), decoded)

	require.NoError(t, decoded.Scan(nil))
	assert.Equal(t, EncryptedString(""), decoded)
}

func TestEncryptedString_TamperedCiphertextFails(t *testing.T) {
	initTestKey(t)

	stored, err := EncryptedString("payload").Value()
	require.NoError(t, err)
	ciphertext := stored.(string)

	// Flip one character of the base64 body. GCM authentication must reject it.
	tampered := []byte(ciphertext)
	if tampered[10] == 'A' {
		tampered[10] = 'B'
	} else {
		tampered[10] = 'A'
	}

	var decoded EncryptedString
	assert.Error(t, decoded.Scan(string(tampered)))
}

func TestEncryptedString_NotBase64Fails(t *testing.T) {
	initTestKey(t)

	var decoded EncryptedString
	assert.Error(t, decoded.Scan("!!! not base64 !!!"))
}
