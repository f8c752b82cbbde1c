package primitive

import (
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// hashDigest adapts a hash.Hash to the Digest interface.
type hashDigest struct {
	kind      DigestKind
	blockSize int
	inner     hash.Hash
}

func (d *hashDigest) Kind() DigestKind { return d.kind }

func (d *hashDigest) BlockSize() int { return d.blockSize }

func (d *hashDigest) DigestSize() int { return d.inner.Size() }

func (d *hashDigest) Update(p []byte) { _, _ = d.inner.Write(p) }

func (d *hashDigest) Finalize(dst []byte) []byte { return d.inner.Sum(dst) }

func (d *hashDigest) Reset() { d.inner.Reset() }

// newHashKind maps a DigestKind to its hash.Hash constructor. Used by the
// registry and by the HMAC construction.
func newHashKind(kind DigestKind) (func() hash.Hash, bool) {
	switch kind {
	case SHA256:
		return sha256.New, true
	case SHA512:
		return sha512.New, true
	case Keccak256:
		return sha3.NewLegacyKeccak256, true
	case Keccak512:
		return sha3.NewLegacyKeccak512, true
	case Blake2b256:
		return func() hash.Hash {
			h, _ := blake2b.New256(nil)
			return h
		}, true
	case Blake2b512:
		return func() hash.Hash {
			h, _ := blake2b.New512(nil)
			return h
		}, true
	default:
		return nil, false
	}
}

// HashConstructor exposes the underlying hash.Hash constructor for a digest
// kind, for callers composing with HMAC-based KDFs.
func HashConstructor(kind DigestKind) (func() hash.Hash, bool) {
	return newHashKind(kind)
}

func newDigestKind(kind DigestKind) (Digest, error) {
	ctor, ok := newHashKind(kind)
	if !ok {
		return nil, ErrUnsupported
	}
	h := ctor()
	return &hashDigest{kind: kind, blockSize: h.BlockSize(), inner: h}, nil
}
