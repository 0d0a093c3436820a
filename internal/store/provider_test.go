package store

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)

	ct, err := encrypt(key, "sk-secret")
	require.NoError(t, err)
	assert.NotContains(t, string(ct), "sk-secret")

	pt, err := decrypt(key, ct)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", pt)

	other := bytes.Repeat([]byte{8}, 32)
	_, err = decrypt(other, ct)
	assert.Error(t, err)
}

func TestEncryptEmpty(t *testing.T) {
	key := bytes.Repeat([]byte{1}, 32)
	ct, err := encrypt(key, "")
	require.NoError(t, err)
	assert.Nil(t, ct)
	pt, err := decrypt(key, nil)
	require.NoError(t, err)
	assert.Empty(t, pt)
}

func TestEncryptKeyFromEnv(t *testing.T) {
	t.Setenv(EncryptKeyEnv, "")
	_, err := encryptKey()
	assert.Error(t, err)

	t.Setenv(EncryptKeyEnv, "abcd")
	_, err = encryptKey()
	assert.ErrorContains(t, err, "64 hex chars")

	t.Setenv(EncryptKeyEnv, "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	key, err := encryptKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestMigrationsEmbedded(t *testing.T) {
	data, err := Migrations().Open("001_init.up.sql")
	require.NoError(t, err)
	data.Close()
}
