package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptionRoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")

	sealed, err := EncryptWithKey(key, "smtp-password")
	require.NoError(t, err)
	assert.NotEqual(t, "smtp-password", sealed)

	opened, err := DecryptWithKey(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, "smtp-password", opened)
}

func TestEncryptionEmptyAndShort(t *testing.T) {
	key := []byte("0123456789abcdef")

	sealed, err := EncryptWithKey(key, "")
	require.NoError(t, err)
	assert.Empty(t, sealed)

	_, err = DecryptWithKey(key, "c2hvcnQ=")
	assert.Error(t, err)
}
