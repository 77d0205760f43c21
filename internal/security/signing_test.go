package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureSigner_GeneratesThenReloads(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")

	first, err := EnsureSigner(dir)
	require.NoError(t, err)
	second, err := EnsureSigner(dir)
	require.NoError(t, err)

	assert.True(t, first.Public.Equal(second.Public))
	info, err := os.Stat(filepath.Join(dir, PrivateKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSignAndVerify(t *testing.T) {
	s, err := GenerateSigner()
	require.NoError(t, err)

	sig := s.Sign([]byte("payload"))
	ok, err := VerifyHex(s.PublicHex(), []byte("payload"), sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyHex(s.PublicHex(), []byte("tampered"), sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadSigner_MismatchedPair(t *testing.T) {
	dir := t.TempDir()
	a, err := GenerateSigner()
	require.NoError(t, err)
	b, err := GenerateSigner()
	require.NoError(t, err)
	require.NoError(t, a.Save(dir))
	require.NoError(t, os.WriteFile(filepath.Join(dir, PublicKeyFile), []byte(b.PublicHex()), 0o644))

	_, err = LoadSigner(dir)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestVerifyHex_BadKey(t *testing.T) {
	_, err := VerifyHex("abcd", []byte("x"), "00")
	assert.ErrorIs(t, err, ErrInvalidKey)
}
