package primitive

import (
	"golang.org/x/crypto/chacha20"

	"github.com/vtdev/cex/cex/keymat"
)

// chachaEngine drives ChaCha20 or XChaCha20 as a StreamCipher.
type chachaEngine struct {
	kind   StreamCipherKind
	ivSize int
	inner  *chacha20.Cipher
}

func newChaCha20() StreamCipher {
	return &chachaEngine{kind: ChaCha20, ivSize: chacha20.NonceSize}
}

func newXChaCha20() StreamCipher {
	return &chachaEngine{kind: XChaCha20, ivSize: chacha20.NonceSizeX}
}

func (e *chachaEngine) Kind() StreamCipherKind { return e.kind }

func (e *chachaEngine) IVSize() int { return e.ivSize }

func (e *chachaEngine) Init(km *keymat.KeyMaterial) error {
	if km.KeySize() != chacha20.KeySize {
		return ErrInvalidKeySize
	}
	if km.IVSize() != e.ivSize {
		return ErrInvalidIVSize
	}
	c, err := chacha20.NewUnauthenticatedCipher(km.Key(), km.IV())
	if err != nil {
		return err
	}
	e.inner = c
	return nil
}

func (e *chachaEngine) Transform(src, dst []byte) error {
	if e.inner == nil {
		return ErrNotInitialized
	}
	e.inner.XORKeyStream(dst[:len(src)], src)
	return nil
}
