package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	sm, err := NewSecretsManagerFromSeed("cluster-seed")
	require.NoError(t, err)

	plaintext := []byte("worker-shared-hmac-secret")
	ciphertext, err := sm.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := sm.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncrypt_FreshNoncePerCall(t *testing.T) {
	sm, err := NewSecretsManagerFromSeed("cluster-seed")
	require.NoError(t, err)

	a, err := sm.Encrypt([]byte("same input"))
	require.NoError(t, err)
	b, err := sm.Encrypt([]byte("same input"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	sm1, err := NewSecretsManagerFromSeed("seed-one")
	require.NoError(t, err)
	sm2, err := NewSecretsManagerFromSeed("seed-two")
	require.NoError(t, err)

	ciphertext, err := sm1.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = sm2.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestDecrypt_TruncatedCiphertextFails(t *testing.T) {
	sm, err := NewSecretsManagerFromSeed("cluster-seed")
	require.NoError(t, err)

	_, err = sm.Decrypt([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestNewSecretsManager_RejectsBadKeySizes(t *testing.T) {
	_, err := NewSecretsManager(make([]byte, 16))
	assert.Error(t, err)

	_, err = NewSecretsManagerFromSeed("")
	assert.Error(t, err)
}
