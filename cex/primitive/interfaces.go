// Package primitive defines the interfaces for the symmetric primitives and
// a registry that constructs them by kind, so callers never switch on engine
// identifiers themselves.
package primitive

import (
	"errors"

	"github.com/vtdev/cex/cex/keymat"
)

var (
	ErrUnsupported    = errors.New("primitive: unsupported kind")
	ErrNotInitialized = errors.New("primitive: engine not initialized")
	ErrInvalidKeySize = errors.New("primitive: invalid key size")
	ErrInvalidIVSize  = errors.New("primitive: invalid iv size")
	ErrBlockSize      = errors.New("primitive: buffer is not one block")
)

// BlockCipher is a raw block transform in a single direction.
// Init selects the direction; TransformBlock consumes exactly one block.
type BlockCipher interface {
	// Kind returns the engine identifier.
	Kind() BlockCipherKind
	// BlockSize returns the block length in bytes.
	BlockSize() int
	// Init prepares the key schedule. The material's key length must be
	// legal for the engine.
	Init(encrypt bool, km *keymat.KeyMaterial) error
	// TransformBlock processes one block from src into dst. Both slices
	// must be exactly BlockSize bytes; src and dst may alias.
	TransformBlock(src, dst []byte) error
	// Clone returns an independent cipher sharing the initialized key
	// schedule, for use by one worker of a parallel transform.
	Clone() BlockCipher
}

// StreamCipher is a keystream generator XORed over its input.
type StreamCipher interface {
	Kind() StreamCipherKind
	IVSize() int
	Init(km *keymat.KeyMaterial) error
	// Transform XORs keystream over src into dst; len(dst) >= len(src).
	Transform(src, dst []byte) error
}

// Digest is an incremental message digest.
type Digest interface {
	Kind() DigestKind
	BlockSize() int
	DigestSize() int
	Update(p []byte)
	// Finalize appends the digest to dst and returns the result.
	Finalize(dst []byte) []byte
	Reset()
}

// Mac is a keyed incremental authenticator.
type Mac interface {
	BlockSize() int
	MacSize() int
	KeySize() int
	Init(km *keymat.KeyMaterial) error
	Update(p []byte)
	Finalize(dst []byte) []byte
	Reset()
}

// Prng fills buffers with pseudo random bytes.
type Prng interface {
	Kind() PrngKind
	Fill(p []byte) error
	NextUint32() (uint32, error)
}
