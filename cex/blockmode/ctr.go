package blockmode

import (
	"crypto/subtle"

	"github.com/vtdev/cex/cex/keymat"
	"github.com/vtdev/cex/cex/primitive"
)

// ctrMode is big-endian counter mode. The IV seeds the counter; the counter
// for block n is IV + n, so any range of keystream can be computed from the
// block index alone. That is what makes the parallel split exact: worker t
// starts at counter base + t*blocksPerChunk and never touches shared state.
type ctrMode struct {
	parallelOpts
	engine  primitive.BlockCipher
	counter []byte
	stream  []byte
	used    int
	ready   bool
}

func newCtr(cipher primitive.BlockCipher) *ctrMode {
	bs := cipher.BlockSize()
	return &ctrMode{
		parallelOpts: newParallelOpts(bs),
		engine:       cipher,
		counter:      make([]byte, bs),
		stream:       make([]byte, bs),
		used:         bs,
	}
}

func (m *ctrMode) Name() primitive.CipherMode { return primitive.CTR }

func (m *ctrMode) BlockSize() int { return m.blockSize }

// Initialize keys the engine. Counter mode always drives the forward
// transform; the encrypt flag only exists for interface symmetry.
func (m *ctrMode) Initialize(encrypt bool, km *keymat.KeyMaterial) error {
	if km.IVSize() != m.blockSize {
		return ErrInvalidParam
	}
	if err := m.engine.Init(true, km); err != nil {
		return err
	}
	copy(m.counter, km.IV())
	m.used = m.blockSize
	m.ready = true
	return nil
}

func (m *ctrMode) TransformBlock(src, dst []byte) error {
	if len(src) != m.blockSize || len(dst) != m.blockSize {
		return ErrBlockAlignment
	}
	return m.Transform(src, dst)
}

func (m *ctrMode) Transform(src, dst []byte) error {
	if !m.ready {
		return ErrNotInitialized
	}
	if len(dst) < len(src) {
		return ErrInvalidParam
	}
	// Drain buffered keystream from a previous partial block first.
	for len(src) > 0 && m.used < m.blockSize {
		dst[0] = src[0] ^ m.stream[m.used]
		m.used++
		src = src[1:]
		dst = dst[1:]
	}
	// Parallel blocks while a full unit remains and we are block aligned.
	for m.IsParallel() && len(src) >= m.parallelBlock {
		m.transformParallel(src[:m.parallelBlock], dst[:m.parallelBlock])
		src = src[m.parallelBlock:]
		dst = dst[m.parallelBlock:]
	}
	// Serial tail, including a final partial block.
	for len(src) > 0 {
		if err := m.engine.TransformBlock(m.counter, m.stream); err != nil {
			return err
		}
		incrementCounter(m.counter, 1)
		n := len(src)
		if n > m.blockSize {
			n = m.blockSize
		}
		subtle.XORBytes(dst[:n], src[:n], m.stream[:n])
		m.used = n
		src = src[n:]
		dst = dst[n:]
	}
	return nil
}

// transformParallel processes one full parallel block. len(src) is a
// multiple of the block size by construction.
func (m *ctrMode) transformParallel(src, dst []byte) {
	blocks := len(src) / m.blockSize
	chunks := splitChunks(blocks, m.degree)
	runWorkers(chunks, func(c chunkRange) {
		engine := m.engine.Clone()
		ctr := make([]byte, m.blockSize)
		copy(ctr, m.counter)
		incrementCounter(ctr, uint64(c.startBlock))
		ks := make([]byte, m.blockSize)
		off := c.startBlock * m.blockSize
		for i := 0; i < c.blockCount; i++ {
			_ = engine.TransformBlock(ctr, ks)
			incrementCounter(ctr, 1)
			subtle.XORBytes(dst[off:off+m.blockSize], src[off:off+m.blockSize], ks)
			off += m.blockSize
		}
	})
	incrementCounter(m.counter, uint64(blocks))
}

// incrementCounter adds n to a big-endian counter, wrapping at the block
// width.
func incrementCounter(ctr []byte, n uint64) {
	for i := len(ctr) - 1; i >= 0 && n > 0; i-- {
		sum := uint64(ctr[i]) + (n & 0xff)
		ctr[i] = byte(sum)
		n = (n >> 8) + (sum >> 8)
	}
}
