package primitive

import (
	"crypto/aes"
	"crypto/cipher"

	"golang.org/x/crypto/blowfish"
	"golang.org/x/crypto/twofish"

	"github.com/vtdev/cex/cex/keymat"
)

// blockEngine wraps a cipher.Block behind the directional BlockCipher
// contract. The key schedule is shared between clones; cipher.Block
// implementations are safe for concurrent readers.
type blockEngine struct {
	kind      BlockCipherKind
	blockSize int
	block     cipher.Block
	encrypt   bool
	newBlock  func(key []byte) (cipher.Block, error)
}

func newBlockEngine(kind BlockCipherKind, blockSize int, ctor func(key []byte) (cipher.Block, error)) *blockEngine {
	return &blockEngine{kind: kind, blockSize: blockSize, newBlock: ctor}
}

func (e *blockEngine) Kind() BlockCipherKind { return e.kind }

func (e *blockEngine) BlockSize() int { return e.blockSize }

func (e *blockEngine) Init(encrypt bool, km *keymat.KeyMaterial) error {
	b, err := e.newBlock(km.Key())
	if err != nil {
		return ErrInvalidKeySize
	}
	e.block = b
	e.encrypt = encrypt
	return nil
}

func (e *blockEngine) TransformBlock(src, dst []byte) error {
	if e.block == nil {
		return ErrNotInitialized
	}
	if len(src) != e.blockSize || len(dst) != e.blockSize {
		return ErrBlockSize
	}
	if e.encrypt {
		e.block.Encrypt(dst, src)
	} else {
		e.block.Decrypt(dst, src)
	}
	return nil
}

func (e *blockEngine) Clone() BlockCipher {
	c := *e
	return &c
}

func newRijndael() BlockCipher {
	return newBlockEngine(Rijndael, aes.BlockSize, aes.NewCipher)
}

func newTwofish() BlockCipher {
	return newBlockEngine(Twofish, twofish.BlockSize, func(key []byte) (cipher.Block, error) {
		return twofish.NewCipher(key)
	})
}

func newBlowfish() BlockCipher {
	return newBlockEngine(Blowfish, blowfish.BlockSize, func(key []byte) (cipher.Block, error) {
		return blowfish.NewCipher(key)
	})
}
