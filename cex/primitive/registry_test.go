package primitive

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vtdev/cex/cex/keymat"
)

func TestBlockCipherRegistry(t *testing.T) {
	kinds := map[BlockCipherKind]int{
		Rijndael: 16,
		Twofish:  16,
		Blowfish: 8,
	}
	for kind, blockSize := range kinds {
		c, err := NewBlockCipher(kind)
		require.NoError(t, err, kind.String())
		require.Equal(t, blockSize, c.BlockSize(), kind.String())
		require.Equal(t, kind, c.Kind())
	}

	_, err := NewBlockCipher(BlockCipherKind(200))
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestBlockCipherTransform(t *testing.T) {
	key := bytes.Repeat([]byte{0x2a}, 32)
	km := keymat.New(key, nil, nil)
	defer km.Destroy()

	enc, err := NewBlockCipher(Rijndael)
	require.NoError(t, err)
	require.NoError(t, enc.Init(true, km))

	dec, err := NewBlockCipher(Rijndael)
	require.NoError(t, err)
	require.NoError(t, dec.Init(false, km))

	plain := bytes.Repeat([]byte{0x17}, enc.BlockSize())
	ct := make([]byte, len(plain))
	require.NoError(t, enc.TransformBlock(plain, ct))
	require.NotEqual(t, plain, ct)

	out := make([]byte, len(plain))
	require.NoError(t, dec.TransformBlock(ct, out))
	require.Equal(t, plain, out)
}

func TestBlockCipherNotInitialized(t *testing.T) {
	c, err := NewBlockCipher(Twofish)
	require.NoError(t, err)
	buf := make([]byte, c.BlockSize())
	require.ErrorIs(t, c.TransformBlock(buf, buf), ErrNotInitialized)
}

func TestBlockCipherCloneSharesSchedule(t *testing.T) {
	km := keymat.New(bytes.Repeat([]byte{0x01}, 32), nil, nil)
	defer km.Destroy()
	c, err := NewBlockCipher(Rijndael)
	require.NoError(t, err)
	require.NoError(t, c.Init(true, km))

	in := bytes.Repeat([]byte{0x55}, c.BlockSize())
	a := make([]byte, len(in))
	b := make([]byte, len(in))
	require.NoError(t, c.TransformBlock(in, a))
	require.NoError(t, c.Clone().TransformBlock(in, b))
	require.Equal(t, a, b)
}

func TestStreamCipherRegistry(t *testing.T) {
	for _, kind := range []StreamCipherKind{ChaCha20, XChaCha20} {
		c, err := NewStreamCipher(kind)
		require.NoError(t, err)

		km := keymat.New(bytes.Repeat([]byte{0x11}, 32), make([]byte, c.IVSize()), nil)
		require.NoError(t, c.Init(km))

		plain := []byte("stream cipher round trip payload")
		ct := make([]byte, len(plain))
		require.NoError(t, c.Transform(plain, ct))
		require.NotEqual(t, plain, ct)

		c2, err := NewStreamCipher(kind)
		require.NoError(t, err)
		require.NoError(t, c2.Init(km))
		out := make([]byte, len(ct))
		require.NoError(t, c2.Transform(ct, out))
		require.Equal(t, plain, out)
		km.Destroy()
	}

	_, err := NewStreamCipher(StreamCipherKind(99))
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestDigestRegistry(t *testing.T) {
	sizes := map[DigestKind]int{
		SHA256:     32,
		SHA512:     64,
		Keccak256:  32,
		Keccak512:  64,
		Blake2b256: 32,
		Blake2b512: 64,
	}
	for kind, size := range sizes {
		d, err := NewDigest(kind)
		require.NoError(t, err, kind.String())
		require.Equal(t, size, d.DigestSize(), kind.String())

		d.Update([]byte("abc"))
		one := d.Finalize(nil)
		require.Len(t, one, size)

		d.Reset()
		d.Update([]byte("a"))
		d.Update([]byte("bc"))
		two := d.Finalize(nil)
		require.Equal(t, one, two, "incremental update must match")
	}

	_, err := NewDigest(DigestKind(77))
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestMacRegistry(t *testing.T) {
	km := keymat.New(bytes.Repeat([]byte{0x42}, 32), nil, nil)
	defer km.Destroy()

	for _, kind := range []MacKind{HMAC, Blake2bMAC} {
		m, err := NewMac(kind, SHA512)
		require.NoError(t, err)
		require.NoError(t, m.Init(km))
		m.Update([]byte("authenticate me"))
		tag := m.Finalize(nil)
		require.Len(t, tag, m.MacSize())

		m.Reset()
		m.Update([]byte("authenticate me"))
		require.Equal(t, tag, m.Finalize(nil))

		m.Reset()
		m.Update([]byte("authenticate mf"))
		require.NotEqual(t, tag, m.Finalize(nil))
	}

	_, err := NewMac(MacKind(9), SHA256)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestPrngRegistry(t *testing.T) {
	for _, kind := range []PrngKind{CSPRng, CTRDrbg, DigestDrbg} {
		g, err := NewPrng(kind)
		require.NoError(t, err)

		a := make([]byte, 64)
		b := make([]byte, 64)
		require.NoError(t, g.Fill(a))
		require.NoError(t, g.Fill(b))
		require.NotEqual(t, a, b, kind.String())

		_, err = g.NextUint32()
		require.NoError(t, err)
	}

	_, err := NewPrng(PrngKind(50))
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestDescriptionRoundTrip(t *testing.T) {
	d := NewDescription(Twofish, 256, 128, CBC, PKCS7)
	d.Rounds = 16

	wire := d.AppendBinary(nil)
	require.Len(t, wire, DescriptionSize)

	var got CipherDescription
	require.NoError(t, got.UnmarshalBinary(wire))
	require.True(t, d.SameAs(got))

	got.KeyBits = 128
	require.False(t, d.SameAs(got))
}

func TestDescriptionStreamEngine(t *testing.T) {
	var d CipherDescription
	d.SetStreamEngine(ChaCha20)
	require.Equal(t, ChaCha20, d.StreamKind())
	require.Equal(t, BlockNone, d.BlockKind())
}
