package blockmode

import (
	"crypto/subtle"

	"github.com/vtdev/cex/cex/keymat"
	"github.com/vtdev/cex/cex/primitive"
)

// cbcMode chains each block through the previous ciphertext. Encryption is
// inherently serial; decryption computes p_i = D(c_i) XOR c_{i-1}, which
// depends only on the ciphertext, so decrypt parallelizes over chunk ranges.
type cbcMode struct {
	parallelOpts
	engine     primitive.BlockCipher
	register   []byte
	scratch    []byte
	encrypting bool
	ready      bool
}

func newCbc(cipher primitive.BlockCipher) *cbcMode {
	bs := cipher.BlockSize()
	return &cbcMode{
		parallelOpts: newParallelOpts(bs),
		engine:       cipher,
		register:     make([]byte, bs),
		scratch:      make([]byte, bs),
	}
}

func (m *cbcMode) Name() primitive.CipherMode { return primitive.CBC }

func (m *cbcMode) BlockSize() int { return m.blockSize }

func (m *cbcMode) Initialize(encrypt bool, km *keymat.KeyMaterial) error {
	if km.IVSize() != m.blockSize {
		return ErrInvalidParam
	}
	if err := m.engine.Init(encrypt, km); err != nil {
		return err
	}
	copy(m.register, km.IV())
	m.encrypting = encrypt
	m.ready = true
	return nil
}

func (m *cbcMode) TransformBlock(src, dst []byte) error {
	if len(src) != m.blockSize || len(dst) != m.blockSize {
		return ErrBlockAlignment
	}
	return m.Transform(src, dst)
}

func (m *cbcMode) Transform(src, dst []byte) error {
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

func (m *cbcMode) encryptSerial(src, dst []byte) error {
	bs := m.blockSize
	for len(src) > 0 {
		subtle.XORBytes(m.scratch, src[:bs], m.register)
		if err := m.engine.TransformBlock(m.scratch, m.register); err != nil {
			return err
		}
		copy(dst[:bs], m.register)
		src = src[bs:]
		dst = dst[bs:]
	}
	return nil
}

func (m *cbcMode) decryptSerial(src, dst []byte) error {
	bs := m.blockSize
	for len(src) > 0 {
		// src and dst may alias; hold the ciphertext block.
		next := make([]byte, bs)
		copy(next, src[:bs])
		if err := m.engine.TransformBlock(src[:bs], m.scratch); err != nil {
			return err
		}
		subtle.XORBytes(dst[:bs], m.scratch, m.register)
		copy(m.register, next)
		src = src[bs:]
		dst = dst[bs:]
	}
	return nil
}

// decryptParallel copies the ciphertext once so workers can read it while
// output may be written in place.
func (m *cbcMode) decryptParallel(src, dst []byte) {
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
			_ = engine.TransformBlock(ct[off:off+bs], buf)
			if i == 0 {
				subtle.XORBytes(dst[off:off+bs], buf, prevRegister)
			} else {
				subtle.XORBytes(dst[off:off+bs], buf, ct[off-bs:off])
			}
		}
	})
	copy(m.register, ct[len(ct)-bs:])
}
