package blockmode

import (
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vtdev/cex/cex/keymat"
	"github.com/vtdev/cex/cex/primitive"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := io.ReadFull(rand.Reader, b)
	require.NoError(t, err)
	return b
}

func newAesMode(t *testing.T, mode primitive.CipherMode) Mode {
	t.Helper()
	engine, err := primitive.NewBlockCipher(primitive.Rijndael)
	require.NoError(t, err)
	m, err := New(mode, engine)
	require.NoError(t, err)
	return m
}

func initMode(t *testing.T, m Mode, encrypt bool, key, iv []byte) {
	t.Helper()
	km := keymat.New(key, iv, nil)
	t.Cleanup(km.Destroy)
	require.NoError(t, m.Initialize(encrypt, km))
}

// CTR parallel output must match serial output byte for byte, including a
// trailing partial block.
func TestCtrParallelMatchesSerial(t *testing.T) {
	key := randomBytes(t, 32)
	iv := randomBytes(t, 16)
	plain := randomBytes(t, 1036)

	par := newAesMode(t, primitive.CTR)
	require.NoError(t, par.SetParallelDegree(4))
	require.NoError(t, par.SetParallelBlockSize(1024))
	par.SetParallel(true)
	initMode(t, par, true, key, iv)
	ePar := make([]byte, len(plain))
	require.NoError(t, par.Transform(plain, ePar))

	ser := newAesMode(t, primitive.CTR)
	ser.SetParallel(false)
	initMode(t, ser, true, key, iv)
	eSer := make([]byte, len(plain))
	require.NoError(t, ser.Transform(plain, eSer))

	require.Equal(t, eSer, ePar, "parallel and serial CTR diverged")

	// Decrypt both ways and recover the plaintext.
	decPar := newAesMode(t, primitive.CTR)
	require.NoError(t, decPar.SetParallelDegree(4))
	require.NoError(t, decPar.SetParallelBlockSize(1024))
	decPar.SetParallel(true)
	initMode(t, decPar, false, key, iv)
	out := make([]byte, len(plain))
	require.NoError(t, decPar.Transform(ePar, out))
	require.Equal(t, plain, out)

	decSer := newAesMode(t, primitive.CTR)
	decSer.SetParallel(false)
	initMode(t, decSer, false, key, iv)
	out2 := make([]byte, len(plain))
	require.NoError(t, decSer.Transform(eSer, out2))
	require.Equal(t, plain, out2)
}

// CTR across several sizes and degrees, exercising the chunk remainder
// path where the worker count does not divide the block count.
func TestCtrParallelSizesAndDegrees(t *testing.T) {
	key := randomBytes(t, 32)
	iv := randomBytes(t, 16)
	for _, size := range []int{1024, 2048, 4096 + 16, 65536 + 7} {
		plain := randomBytes(t, size)

		ser := newAesMode(t, primitive.CTR)
		ser.SetParallel(false)
		initMode(t, ser, true, key, iv)
		want := make([]byte, size)
		require.NoError(t, ser.Transform(plain, want))

		for _, degree := range []int{1, 2, 3, 4, 8} {
			par := newAesMode(t, primitive.CTR)
			require.NoError(t, par.SetParallelDegree(degree))
			require.NoError(t, par.SetParallelBlockSize(degree*16*8))
			par.SetParallel(true)
			initMode(t, par, true, key, iv)
			got := make([]byte, size)
			require.NoError(t, par.Transform(plain, got))
			require.Equal(t, want, got, "size=%d degree=%d", size, degree)
		}
	}
}

func TestCbcDecryptParallelMatchesSerial(t *testing.T) {
	key := randomBytes(t, 32)
	iv := randomBytes(t, 16)
	plain := randomBytes(t, 2048)

	enc := newAesMode(t, primitive.CBC)
	initMode(t, enc, true, key, iv)
	ct := make([]byte, len(plain))
	require.NoError(t, enc.Transform(plain, ct))

	par := newAesMode(t, primitive.CBC)
	require.NoError(t, par.SetParallelDegree(4))
	require.NoError(t, par.SetParallelBlockSize(1024))
	par.SetParallel(true)
	initMode(t, par, false, key, iv)
	dPar := make([]byte, len(ct))
	require.NoError(t, par.Transform(ct, dPar))

	ser := newAesMode(t, primitive.CBC)
	ser.SetParallel(false)
	initMode(t, ser, false, key, iv)
	dSer := make([]byte, len(ct))
	require.NoError(t, ser.Transform(ct, dSer))

	require.Equal(t, dSer, dPar, "parallel and serial CBC decrypt diverged")
	require.Equal(t, plain, dPar)
}

func TestCfbDecryptParallelMatchesSerial(t *testing.T) {
	key := randomBytes(t, 32)
	iv := randomBytes(t, 16)
	plain := randomBytes(t, 2048)

	enc := newAesMode(t, primitive.CFB)
	initMode(t, enc, true, key, iv)
	ct := make([]byte, len(plain))
	require.NoError(t, enc.Transform(plain, ct))

	par := newAesMode(t, primitive.CFB)
	require.NoError(t, par.SetParallelDegree(4))
	require.NoError(t, par.SetParallelBlockSize(1024))
	par.SetParallel(true)
	initMode(t, par, false, key, iv)
	dPar := make([]byte, len(ct))
	require.NoError(t, par.Transform(ct, dPar))

	ser := newAesMode(t, primitive.CFB)
	ser.SetParallel(false)
	initMode(t, ser, false, key, iv)
	dSer := make([]byte, len(ct))
	require.NoError(t, ser.Transform(ct, dSer))

	require.Equal(t, dSer, dPar, "parallel and serial CFB decrypt diverged")
	require.Equal(t, plain, dPar)
}

// Every mode must round trip, with every registered engine.
func TestRoundTripAllModes(t *testing.T) {
	engines := []struct {
		kind    primitive.BlockCipherKind
		keySize int
	}{
		{primitive.Rijndael, 32},
		{primitive.Twofish, 32},
		{primitive.Blowfish, 16},
	}
	modes := []primitive.CipherMode{primitive.CTR, primitive.CBC, primitive.CFB, primitive.OFB}

	for _, eng := range engines {
		for _, mode := range modes {
			cipher, err := primitive.NewBlockCipher(eng.kind)
			require.NoError(t, err)
			bs := cipher.BlockSize()

			key := randomBytes(t, eng.keySize)
			iv := randomBytes(t, bs)
			plain := randomBytes(t, bs*8)

			encEngine, err := primitive.NewBlockCipher(eng.kind)
			require.NoError(t, err)
			enc, err := New(mode, encEngine)
			require.NoError(t, err)
			initMode(t, enc, true, key, iv)
			ct := make([]byte, len(plain))
			require.NoError(t, enc.Transform(plain, ct))
			require.NotEqual(t, plain, ct)

			decEngine, err := primitive.NewBlockCipher(eng.kind)
			require.NoError(t, err)
			dec, err := New(mode, decEngine)
			require.NoError(t, err)
			initMode(t, dec, false, key, iv)
			out := make([]byte, len(ct))
			require.NoError(t, dec.Transform(ct, out))
			require.Equal(t, plain, out, "engine=%s mode=%s", eng.kind, mode)
		}
	}
}

func TestTransformBeforeInitialize(t *testing.T) {
	for _, mode := range []primitive.CipherMode{primitive.CTR, primitive.CBC, primitive.CFB, primitive.OFB} {
		m := newAesMode(t, mode)
		buf := make([]byte, m.BlockSize())
		require.ErrorIs(t, m.Transform(buf, buf), ErrNotInitialized, mode.String())
	}
}

func TestParallelSizing(t *testing.T) {
	m := newAesMode(t, primitive.CTR)
	require.NoError(t, m.SetParallelDegree(4))

	min := m.ParallelMinSize()
	require.Equal(t, 4*16, min)
	require.GreaterOrEqual(t, m.ParallelMaxSize(), 100*1024*1024)

	require.NoError(t, m.SetParallelBlockSize(min*10))
	require.Equal(t, min*10, m.ParallelBlockSize())

	require.ErrorIs(t, m.SetParallelBlockSize(min-1), ErrParallelSizing)
	require.ErrorIs(t, m.SetParallelBlockSize(min+1), ErrParallelSizing)
	require.ErrorIs(t, m.SetParallelBlockSize(m.ParallelMaxSize()+min), ErrParallelSizing)

	require.Error(t, m.SetParallelDegree(0))
}

func TestChainedModesRejectUnaligned(t *testing.T) {
	key := randomBytes(t, 32)
	iv := randomBytes(t, 16)
	for _, mode := range []primitive.CipherMode{primitive.CBC, primitive.CFB} {
		m := newAesMode(t, mode)
		initMode(t, m, true, key, iv)
		buf := make([]byte, 17)
		require.ErrorIs(t, m.Transform(buf, buf), ErrBlockAlignment, mode.String())
	}
}

func TestUnsupportedMode(t *testing.T) {
	engine, err := primitive.NewBlockCipher(primitive.Rijndael)
	require.NoError(t, err)
	_, err = New(primitive.CipherMode(42), engine)
	require.ErrorIs(t, err, ErrUnsupportedMode)
}
