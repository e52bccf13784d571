package secretstore

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	hexKey := strings.Repeat("ab", 32)
	b, err := ParseKey("0x" + hexKey)
	require.NoError(t, err)
	assert.Len(t, b, 32)

	b64 := base64.StdEncoding.EncodeToString(make([]byte, 32))
	b, err = ParseKey(b64)
	require.NoError(t, err)
	assert.Len(t, b, 32)

	b, err = ParseKey("")
	require.NoError(t, err)
	assert.Nil(t, b)

	_, err = ParseKey("abcd")
	assert.Error(t, err)
}

func TestCredentialsRoundTrip(t *testing.T) {
	key, err := ParseKey(strings.Repeat("11", 32))
	require.NoError(t, err)

	dir := t.TempDir()
	s, err := Open(OpenOptions{Path: dir, EncryptionKey: key})
	require.NoError(t, err)

	k, sec, err := s.Credentials()
	require.NoError(t, err)
	assert.Empty(t, k)
	assert.Empty(t, sec)

	require.NoError(t, s.SetString(KeyAPIKey, "key-1"))
	require.NoError(t, s.SetString(KeyAPISecret, "secret-1"))
	require.NoError(t, s.Close())

	ro, err := Open(OpenOptions{Path: dir, EncryptionKey: key, ReadOnly: true})
	require.NoError(t, err)
	defer ro.Close()

	k, sec, err = ro.Credentials()
	require.NoError(t, err)
	assert.Equal(t, "key-1", k)
	assert.Equal(t, "secret-1", sec)
}
