package kdf

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vtdev/cex/cex/primitive"
)

// RFC 7914 style published vectors for PBKDF2-HMAC-SHA-256.
func TestPBKDF2Vectors(t *testing.T) {
	cases := []struct {
		iterations int
		want       string
	}{
		{1, "120fb6cffcf8b32c43e7225256c4f837a86548c92ccc35480805987cb70be17b"},
		{4096, "c5e478d59288c841aa530db6845c4c8d962893a001ce4e11a4963873aa98134a"},
	}
	for _, tc := range cases {
		out, err := PBKDF2(primitive.SHA256, []byte("password"), []byte("salt"), tc.iterations, 32)
		require.NoError(t, err)
		require.Equal(t, tc.want, hex.EncodeToString(out), "iterations=%d", tc.iterations)
	}
}

func TestPBKDF2UnsupportedDigest(t *testing.T) {
	_, err := PBKDF2(primitive.DigestKind(99), []byte("p"), []byte("s"), 1, 32)
	require.ErrorIs(t, err, ErrUnsupportedDigest)
}

func TestHKDFDeterministic(t *testing.T) {
	secret := []byte("shared secret material")
	a, err := HKDF(primitive.SHA512, secret, nil, []byte("ctx"), 96)
	require.NoError(t, err)
	require.Len(t, a, 96)

	b, err := HKDF(primitive.SHA512, secret, nil, []byte("ctx"), 96)
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := HKDF(primitive.SHA512, secret, nil, []byte("other"), 96)
	require.NoError(t, err)
	require.NotEqual(t, a, c, "info must bind the derivation")
}

func TestKeyGenerator(t *testing.T) {
	gen, err := NewKeyGenerator(primitive.CSPRng, primitive.Blake2b512, []byte("test"))
	require.NoError(t, err)

	km, err := gen.Generate(32, 16)
	require.NoError(t, err)
	defer km.Destroy()
	require.Equal(t, 32, km.KeySize())
	require.Equal(t, 16, km.IVSize())

	km2, err := gen.Generate(32, 16)
	require.NoError(t, err)
	defer km2.Destroy()
	require.False(t, km.Equal(km2), "successive generations must differ")

	desc := primitive.NewDescription(primitive.Rijndael, 256, 128, primitive.CTR, primitive.PaddingNone)
	km3, err := gen.GenerateFor(desc)
	require.NoError(t, err)
	defer km3.Destroy()
	require.Equal(t, desc.KeySize(), km3.KeySize())
	require.Equal(t, desc.IVSize(), km3.IVSize())
}

func TestKeyGeneratorFillLengths(t *testing.T) {
	gen, err := NewKeyGenerator(primitive.CTRDrbg, primitive.SHA512, nil)
	require.NoError(t, err)
	for _, n := range []int{1, 63, 64, 65, 1000} {
		out, err := gen.Fill(n)
		require.NoError(t, err)
		require.Len(t, out, n)
	}
}
