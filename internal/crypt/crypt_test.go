package crypt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCipherRejectsBadKeys(t *testing.T) {
	values := []string{
		"",
		"zz",
		strings.Repeat("ab", 16), // 16 bytes, too short
		strings.Repeat("ab", 33), // 33 bytes, too long
	}
	for _, key := range values {
		_, err := NewCipher(key)
		assert.NotNilf(t, err, "expected key %q to be rejected", key)
	}
}

func TestEncryptDecrypt(t *testing.T) {
	c, err := NewCipher(strings.Repeat("ab", 32))
	assert.Nil(t, err, "NewCipher returned an error")

	sealed, err := c.Encrypt("probe 3: a1b2c3d bad (12s)")
	assert.Nil(t, err, "Encrypt returned an error")
	assert.NotContains(t, sealed, "probe")

	opened, err := c.Decrypt(sealed)
	assert.Nil(t, err, "Decrypt returned an error")
	assert.Equal(t, "probe 3: a1b2c3d bad (12s)", opened)
}

func TestDecryptRejectsTampering(t *testing.T) {
	c, err := NewCipher(strings.Repeat("cd", 32))
	assert.Nil(t, err, "NewCipher returned an error")

	sealed, err := c.Encrypt("payload")
	assert.Nil(t, err, "Encrypt returned an error")

	_, err = c.Decrypt("AAAA" + sealed[4:])
	assert.NotNil(t, err, "tampered ciphertext was accepted")
}
