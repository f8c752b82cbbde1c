package streamproc

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vtdev/cex/cex/blockmode"
	"github.com/vtdev/cex/cex/keymat"
	"github.com/vtdev/cex/cex/primitive"
)

func writeTempFile(t *testing.T, data []byte) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stream.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func randomData(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := io.ReadFull(rand.Reader, b)
	require.NoError(t, err)
	return b
}

// Concurrent and sequential MAC computation must agree with each other and
// with a direct HMAC over the same bytes.
func TestMacStreamConcurrentMatchesSequential(t *testing.T) {
	key := randomData(t, 32)
	km := keymat.New(key, nil, nil)
	defer km.Destroy()

	for _, size := range []int{117674, 69041, 65536} {
		data := randomData(t, size)

		ref := hmac.New(sha512.New, key)
		ref.Write(data)
		want := ref.Sum(nil)

		mac, err := primitive.NewMac(primitive.HMAC, primitive.SHA512)
		require.NoError(t, err)
		require.NoError(t, mac.Init(km))
		seq := NewMacStream(mac, Options{Concurrent: false})
		got, err := seq.Compute(context.Background(), writeTempFile(t, data), int64(size))
		require.NoError(t, err)
		require.Equal(t, want, got, "sequential size=%d", size)

		mac2, err := primitive.NewMac(primitive.HMAC, primitive.SHA512)
		require.NoError(t, err)
		require.NoError(t, mac2.Init(km))
		con := NewMacStream(mac2, Options{Concurrent: true})
		got2, err := con.Compute(context.Background(), writeTempFile(t, data), int64(size))
		require.NoError(t, err)
		require.Equal(t, want, got2, "concurrent size=%d", size)
	}
}

// Chunking must not change a digest: any partition of the input produces
// the same value.
func TestDigestStreamMatchesPartitions(t *testing.T) {
	data := randomData(t, 100000)

	direct := sha512.Sum512(data)

	for _, bufSize := range []int{1024, 4096, 65536} {
		d, err := primitive.NewDigest(primitive.SHA512)
		require.NoError(t, err)
		s := NewDigestStream(d, Options{BufferSize: bufSize})
		got, err := s.Compute(context.Background(), writeTempFile(t, data), int64(len(data)))
		require.NoError(t, err)
		require.Equal(t, direct[:], got, "bufSize=%d", bufSize)
	}

	d, err := primitive.NewDigest(primitive.SHA512)
	require.NoError(t, err)
	s := NewDigestStream(d, Options{Concurrent: true})
	got, err := s.Compute(context.Background(), writeTempFile(t, data), int64(len(data)))
	require.NoError(t, err)
	require.Equal(t, direct[:], got)
}

func TestDigestStreamShortInputFallsBackToSequential(t *testing.T) {
	// Shorter than one buffer: the concurrent request is served on the
	// sequential path transparently.
	data := randomData(t, 100)
	direct := sha512.Sum512(data)

	d, err := primitive.NewDigest(primitive.SHA512)
	require.NoError(t, err)
	s := NewDigestStream(d, Options{Concurrent: true})
	got, err := s.Compute(context.Background(), writeTempFile(t, data), int64(len(data)))
	require.NoError(t, err)
	require.Equal(t, direct[:], got)
}

func TestStreamShortReadIsError(t *testing.T) {
	data := randomData(t, 1000)
	d, err := primitive.NewDigest(primitive.SHA256)
	require.NoError(t, err)
	s := NewDigestStream(d, Options{})
	_, err = s.Compute(context.Background(), bytes.NewReader(data), 2000)
	require.ErrorIs(t, err, ErrUnexpectedEOF)
}

func TestStreamCancellation(t *testing.T) {
	data := randomData(t, 1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d, err := primitive.NewDigest(primitive.SHA256)
	require.NoError(t, err)
	s := NewDigestStream(d, Options{})
	_, err = s.Compute(ctx, writeTempFile(t, data), int64(len(data)))
	require.ErrorIs(t, err, context.Canceled)
}

func TestStreamProgressEvents(t *testing.T) {
	data := randomData(t, 256*1024)
	var events int
	var last int64
	opts := Options{
		BufferSize: 4096,
		Progress: func(processed, total int64) {
			events++
			last = processed
			require.Equal(t, int64(len(data)), total)
		},
	}
	d, err := primitive.NewDigest(primitive.SHA256)
	require.NoError(t, err)
	s := NewDigestStream(d, opts)
	_, err = s.Compute(context.Background(), writeTempFile(t, data), int64(len(data)))
	require.NoError(t, err)
	require.Greater(t, events, 50, "expected roughly one event per percent")
	require.Equal(t, int64(len(data)), last, "final event must report completion")
}

func TestCipherStreamRoundTrip(t *testing.T) {
	key := randomData(t, 32)
	iv := randomData(t, 16)
	data := randomData(t, 100*1024+37)

	newMode := func(encrypt bool) blockmode.Mode {
		engine, err := primitive.NewBlockCipher(primitive.Rijndael)
		require.NoError(t, err)
		m, err := blockmode.New(primitive.CTR, engine)
		require.NoError(t, err)
		km := keymat.New(key, iv, nil)
		t.Cleanup(km.Destroy)
		require.NoError(t, m.Initialize(encrypt, km))
		return m
	}

	var ct bytes.Buffer
	enc := NewCipherStream(newMode(true), nil, true, Options{})
	n, err := enc.Transform(context.Background(), writeTempFile(t, data), &ct, int64(len(data)))
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), n)

	var pt bytes.Buffer
	dec := NewCipherStream(newMode(false), nil, false, Options{})
	_, err = dec.Transform(context.Background(), writeTempFile(t, ct.Bytes()), &pt, int64(ct.Len()))
	require.NoError(t, err)
	require.Equal(t, data, pt.Bytes())
}

func TestCipherStreamPaddedRoundTrip(t *testing.T) {
	key := randomData(t, 32)
	iv := randomData(t, 16)
	data := randomData(t, 10000+5)

	newMode := func(encrypt bool) blockmode.Mode {
		engine, err := primitive.NewBlockCipher(primitive.Rijndael)
		require.NoError(t, err)
		m, err := blockmode.New(primitive.CBC, engine)
		require.NoError(t, err)
		km := keymat.New(key, iv, nil)
		t.Cleanup(km.Destroy)
		require.NoError(t, m.Initialize(encrypt, km))
		return m
	}
	padding, err := blockmode.NewPadding(primitive.PKCS7)
	require.NoError(t, err)

	var ct bytes.Buffer
	enc := NewCipherStream(newMode(true), padding, true, Options{})
	_, err = enc.Transform(context.Background(), writeTempFile(t, data), &ct, int64(len(data)))
	require.NoError(t, err)
	require.Zero(t, ct.Len()%16)
	require.Greater(t, ct.Len(), len(data))

	var pt bytes.Buffer
	dec := NewCipherStream(newMode(false), padding, false, Options{})
	_, err = dec.Transform(context.Background(), writeTempFile(t, ct.Bytes()), &pt, int64(ct.Len()))
	require.NoError(t, err)
	require.Equal(t, data, pt.Bytes())
}

func TestCipherStreamChainedRequiresPadding(t *testing.T) {
	engine, err := primitive.NewBlockCipher(primitive.Rijndael)
	require.NoError(t, err)
	m, err := blockmode.New(primitive.CBC, engine)
	require.NoError(t, err)
	s := NewCipherStream(m, nil, true, Options{})
	_, err = s.Transform(context.Background(), bytes.NewReader(nil), io.Discard, 0)
	require.ErrorIs(t, err, ErrPaddingRequired)
}
