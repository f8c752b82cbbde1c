package primitive

import (
	"crypto/hmac"
	"hash"

	"golang.org/x/crypto/blake2b"

	"github.com/vtdev/cex/cex/keymat"
)

// hmacEngine keys an HMAC over any registered digest.
type hmacEngine struct {
	digest    DigestKind
	blockSize int
	macSize   int
	inner     hash.Hash
}

func newHmac(digest DigestKind) (Mac, error) {
	ctor, ok := newHashKind(digest)
	if !ok {
		return nil, ErrUnsupported
	}
	probe := ctor()
	return &hmacEngine{digest: digest, blockSize: probe.BlockSize(), macSize: probe.Size()}, nil
}

func (m *hmacEngine) BlockSize() int { return m.blockSize }

func (m *hmacEngine) MacSize() int { return m.macSize }

// KeySize returns the preferred key length, the digest output size; HMAC
// accepts any length.
func (m *hmacEngine) KeySize() int { return m.macSize }

func (m *hmacEngine) Init(km *keymat.KeyMaterial) error {
	ctor, _ := newHashKind(m.digest)
	m.inner = hmac.New(ctor, km.Key())
	return nil
}

func (m *hmacEngine) Update(p []byte) {
	if m.inner != nil {
		_, _ = m.inner.Write(p)
	}
}

func (m *hmacEngine) Finalize(dst []byte) []byte {
	if m.inner == nil {
		return dst
	}
	return m.inner.Sum(dst)
}

func (m *hmacEngine) Reset() {
	if m.inner != nil {
		m.inner.Reset()
	}
}

// blake2bMac uses BLAKE2b's native keyed mode.
type blake2bMac struct {
	macSize int
	key     []byte
	inner   hash.Hash
}

func newBlake2bMac(digest DigestKind) (Mac, error) {
	size := 32
	if digest == Blake2b512 || digest == SHA512 || digest == Keccak512 {
		size = 64
	}
	return &blake2bMac{macSize: size}, nil
}

func (m *blake2bMac) BlockSize() int { return blake2b.BlockSize }

func (m *blake2bMac) MacSize() int { return m.macSize }

func (m *blake2bMac) KeySize() int { return blake2b.Size }

func (m *blake2bMac) Init(km *keymat.KeyMaterial) error {
	key := km.Key()
	if len(key) > blake2b.Size {
		key = key[:blake2b.Size]
	}
	m.key = append([]byte(nil), key...)
	var h hash.Hash
	var err error
	if m.macSize == 64 {
		h, err = blake2b.New512(m.key)
	} else {
		h, err = blake2b.New256(m.key)
	}
	if err != nil {
		return ErrInvalidKeySize
	}
	m.inner = h
	return nil
}

func (m *blake2bMac) Update(p []byte) {
	if m.inner != nil {
		_, _ = m.inner.Write(p)
	}
}

func (m *blake2bMac) Finalize(dst []byte) []byte {
	if m.inner == nil {
		return dst
	}
	return m.inner.Sum(dst)
}

func (m *blake2bMac) Reset() {
	if m.inner != nil {
		m.inner.Reset()
	}
}
