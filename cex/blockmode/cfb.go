package blockmode

import (
	"crypto/subtle"

	"github.com/vtdev/cex/cex/keymat"
	"github.com/vtdev/cex/cex/primitive"
)

// cfbMode is full-block cipher feedback. Both directions run the forward
// block transform; decryption is p_i = E(c_{i-1}) XOR c_i and parallelizes
// the same way as CBC decryption.
type cfbMode struct {
	parallelOpts
	engine     primitive.BlockCipher
	register   []byte
	scratch    []byte
	encrypting bool
	ready      bool
}

func newCfb(cipher primitive.BlockCipher) *cfbMode {
	bs := cipher.BlockSize()
	return &cfbMode{
		parallelOpts: newParallelOpts(bs),
		engine:       cipher,
		register:     make([]byte, bs),
		scratch:      make([]byte, bs),
	}
}

func (m *cfbMode) Name() primitive.CipherMode { return primitive.CFB }

func (m *cfbMode) BlockSize() int { return m.blockSize }

func (m *cfbMode) Initialize(encrypt bool, km *keymat.KeyMaterial) error {
	if km.IVSize() != m.blockSize {
		return ErrInvalidParam
	}
	// CFB always uses the forward transform.
	if err := m.engine.Init(true, km); err != nil {
		return err
	}
	copy(m.register, km.IV())
	m.encrypting = encrypt
	m.ready = true
	return nil
}

func (m *cfbMode) TransformBlock(src, dst []byte) error {
	if len(src) != m.blockSize || len(dst) != m.blockSize {
		return ErrBlockAlignment
	}
	return m.Transform(src, dst)
}

func (m *cfbMode) Transform(src, dst []byte) error {
	if !m.ready {
		return ErrNotInitialized
	}
	if len(src)%m.blockSize != 0 {
		return ErrBlockAlignment
	}
	if len(dst) < len(src) {
		return ErrInvalidParam
	}
	if m.encrypting {
		return m.encryptSerial(src, dst)
	}
	for m.IsParallel() && len(src) >= m.parallelBlock {
		m.decryptParallel(src[:m.parallelBlock], dst[:m.parallelBlock])
		src = src[m.parallelBlock:]
		dst = dst[m.parallelBlock:]
	}
	return m.decryptSerial(src, dst)
}

func (m *cfbMode) encryptSerial(src, dst []byte) error {
	bs := m.blockSize
	for len(src) > 0 {
		if err := m.engine.TransformBlock(m.register, m.scratch); err != nil {
			return err
		}
		subtle.XORBytes(m.register, src[:bs], m.scratch)
		copy(dst[:bs], m.register)
		src = src[bs:]
		dst = dst[bs:]
	}
	return nil
}

func (m *cfbMode) decryptSerial(src, dst []byte) error {
	bs := m.blockSize
	for len(src) > 0 {
		next := make([]byte, bs)
		copy(next, src[:bs])
		if err := m.engine.TransformBlock(m.register, m.scratch); err != nil {
			return err
		}
		subtle.XORBytes(dst[:bs], next, m.scratch)
		copy(m.register, next)
		src = src[bs:]
		dst = dst[bs:]
	}
	return nil
}

func (m *cfbMode) decryptParallel(src, dst []byte) {
	bs := m.blockSize
	ct := make([]byte, len(src))
	copy(ct, src)
	prevRegister := make([]byte, bs)
	copy(prevRegister, m.register)

	blocks := len(ct) / bs
	chunks := splitChunks(blocks, m.degree)
	runWorkers(chunks, func(c chunkRange) {
		engine := m.engine.Clone()
		buf := make([]byte, bs)
		for i := c.startBlock; i < c.startBlock+c.blockCount; i++ {
			off := i * bs
			if i == 0 {
				_ = engine.TransformBlock(prevRegister, buf)
			} else {
				_ = engine.TransformBlock(ct[off-bs:off], buf)
			}
			subtle.XORBytes(dst[off:off+bs], ct[off:off+bs], buf)
		}
	})
	copy(m.register, ct[len(ct)-bs:])
}
