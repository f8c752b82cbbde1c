package blockmode

import (
	"crypto/subtle"

	"github.com/vtdev/cex/cex/keymat"
	"github.com/vtdev/cex/cex/primitive"
)

// ofbMode feeds the keystream back through the cipher. Every block depends
// on the previous keystream block, so there is no parallel path in either
// direction; the parallel tunables exist only for interface symmetry.
type ofbMode struct {
	parallelOpts
	engine primitive.BlockCipher
	stream []byte
	used   int
	ready  bool
}

func newOfb(cipher primitive.BlockCipher) *ofbMode {
	bs := cipher.BlockSize()
	m := &ofbMode{
		parallelOpts: newParallelOpts(bs),
		engine:       cipher,
		stream:       make([]byte, bs),
		used:         bs,
	}
	m.parallel = false
	return m
}

func (m *ofbMode) Name() primitive.CipherMode { return primitive.OFB }

func (m *ofbMode) BlockSize() int { return m.blockSize }

func (m *ofbMode) IsParallel() bool { return false }

func (m *ofbMode) Initialize(encrypt bool, km *keymat.KeyMaterial) error {
	if km.IVSize() != m.blockSize {
		return ErrInvalidParam
	}
	if err := m.engine.Init(true, km); err != nil {
		return err
	}
	copy(m.stream, km.IV())
	m.used = m.blockSize
	m.ready = true
	return nil
}

func (m *ofbMode) TransformBlock(src, dst []byte) error {
	if len(src) != m.blockSize || len(dst) != m.blockSize {
		return ErrBlockAlignment
	}
	return m.Transform(src, dst)
}

func (m *ofbMode) Transform(src, dst []byte) error {
	if !m.ready {
		return ErrNotInitialized
	}
	if len(dst) < len(src) {
		return ErrInvalidParam
	}
	for len(src) > 0 {
		if m.used == m.blockSize {
			if err := m.engine.TransformBlock(m.stream, m.stream); err != nil {
				return err
			}
			m.used = 0
		}
		n := len(src)
		if avail := m.blockSize - m.used; n > avail {
			n = avail
		}
		subtle.XORBytes(dst[:n], src[:n], m.stream[m.used:m.used+n])
		m.used += n
		src = src[n:]
		dst = dst[n:]
	}
	return nil
}
