package transfer

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := io.ReadFull(rand.Reader, b)
	require.NoError(t, err)
	return b
}

func TestCompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("compressible chunk data "), 1000)
	for _, level := range []CompressionLevel{CompressionFast, CompressionDefault, CompressionBest} {
		c, err := Compress(data, level)
		require.NoError(t, err)
		require.Less(t, len(c), len(data))

		out, err := Decompress(c)
		require.NoError(t, err)
		require.Equal(t, data, out)
	}
}

func TestEncodeChunkCompressible(t *testing.T) {
	data := bytes.Repeat([]byte{0x00, 0x01}, 8192)
	payload := EncodeChunk(data, CompressionFast)
	require.Equal(t, byte(1), payload[0], "compressible data should ship compressed")
	require.Less(t, len(payload), len(data))

	out, err := DecodeChunk(payload)
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func TestEncodeChunkIncompressible(t *testing.T) {
	data := randomBytes(t, 8192)
	payload := EncodeChunk(data, CompressionFast)
	require.Equal(t, byte(0), payload[0], "random data should ship raw")

	out, err := DecodeChunk(payload)
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func TestEncodeChunkNoCompression(t *testing.T) {
	data := bytes.Repeat([]byte{0x7f}, 1024)
	payload := EncodeChunk(data, CompressionNone)
	require.Equal(t, byte(0), payload[0])
	out, err := DecodeChunk(payload)
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func TestDecodeChunkRejectsGarbage(t *testing.T) {
	_, err := DecodeChunk([]byte{1, 2})
	require.ErrorIs(t, err, ErrChunkEncoding)

	// Length field inconsistent with raw body.
	bad := EncodeChunk([]byte("abcd"), CompressionNone)
	bad[1] = 0xff
	_, err = DecodeChunk(bad)
	require.ErrorIs(t, err, ErrChunkEncoding)
}

func TestFecReconstructLostChunks(t *testing.T) {
	const shardSize = 1024
	codec, err := NewCodec(4, 2, shardSize)
	require.NoError(t, err)

	chunks := [][]byte{
		randomBytes(t, shardSize),
		randomBytes(t, shardSize),
		randomBytes(t, shardSize),
		randomBytes(t, 700), // short tail chunk
	}
	parity, err := codec.Parity(chunks)
	require.NoError(t, err)
	require.Len(t, parity, 2)

	// Lose two data chunks; the receiver has the rest plus parity.
	asm := codec.NewGroupAssembler()
	require.NoError(t, asm.SetData(0, chunks[0]))
	require.NoError(t, asm.SetData(3, chunks[3]))
	require.NoError(t, asm.SetParity(0, parity[0]))
	require.NoError(t, asm.SetParity(1, parity[1]))
	require.ElementsMatch(t, []int{1, 2}, asm.Missing())

	require.NoError(t, asm.Reconstruct())
	for i, want := range chunks {
		got, err := asm.Data(i, len(want))
		require.NoError(t, err)
		require.Equal(t, want, got, "chunk %d", i)
	}
}

func TestFecTooManyLost(t *testing.T) {
	codec, err := NewCodec(4, 1, 256)
	require.NoError(t, err)
	chunks := [][]byte{
		randomBytes(t, 256), randomBytes(t, 256), randomBytes(t, 256), randomBytes(t, 256),
	}
	parity, err := codec.Parity(chunks)
	require.NoError(t, err)

	asm := codec.NewGroupAssembler()
	require.NoError(t, asm.SetData(0, chunks[0]))
	require.NoError(t, asm.SetData(1, chunks[1]))
	require.NoError(t, asm.SetParity(0, parity[0]))
	require.ErrorIs(t, asm.Reconstruct(), ErrTooManyLost)
}

func TestFecShortGroupParity(t *testing.T) {
	codec, err := NewCodec(4, 2, 512)
	require.NoError(t, err)

	// Trailing group with fewer chunks than data shards.
	chunks := [][]byte{randomBytes(t, 512), randomBytes(t, 300)}
	parity, err := codec.Parity(chunks)
	require.NoError(t, err)

	asm := codec.NewGroupAssembler()
	require.NoError(t, asm.SetData(1, chunks[1]))
	// Absent tail shards are zero by construction.
	require.NoError(t, asm.SetData(2, nil))
	require.NoError(t, asm.SetData(3, nil))
	require.NoError(t, asm.SetParity(0, parity[0]))
	require.NoError(t, asm.SetParity(1, parity[1]))

	require.NoError(t, asm.Reconstruct())
	got, err := asm.Data(0, 512)
	require.NoError(t, err)
	require.Equal(t, chunks[0], got)
}

func TestCodecConfigValidation(t *testing.T) {
	_, err := NewCodec(0, 1, 10)
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewCodec(1, 0, 10)
	require.ErrorIs(t, err, ErrInvalidConfig)

	codec, err := NewCodec(2, 1, 16)
	require.NoError(t, err)
	_, err = codec.Parity([][]byte{randomBytes(t, 17)})
	require.ErrorIs(t, err, ErrGroupSizing)
}
