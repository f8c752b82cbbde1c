package blockmode

import (
	"bytes"
	"errors"

	"github.com/vtdev/cex/cex/primitive"
)

var ErrInvalidPadding = errors.New("blockmode: invalid padding")

// Padding fills and strips the final block of a block-aligned message.
type Padding interface {
	Name() primitive.PaddingMode
	// Pad appends src plus padding to dst. The result length is the next
	// multiple of blockSize above len(src); an aligned input gains a whole
	// padding block.
	Pad(dst, src []byte, blockSize int) []byte
	// Unpad strips padding from a block-aligned buffer.
	Unpad(src []byte, blockSize int) ([]byte, error)
}

// NewPadding constructs a padding codec by kind.
func NewPadding(mode primitive.PaddingMode) (Padding, error) {
	switch mode {
	case primitive.PKCS7:
		return pkcs7{}, nil
	case primitive.X923:
		return x923{}, nil
	case primitive.ISO7816:
		return iso7816{}, nil
	case primitive.TBC:
		return tbc{}, nil
	default:
		return nil, ErrUnsupportedMode
	}
}

func padLength(srcLen, blockSize int) int {
	return blockSize - srcLen%blockSize
}

type pkcs7 struct{}

func (pkcs7) Name() primitive.PaddingMode { return primitive.PKCS7 }

func (pkcs7) Pad(dst, src []byte, blockSize int) []byte {
	n := padLength(len(src), blockSize)
	dst = append(dst, src...)
	return append(dst, bytes.Repeat([]byte{byte(n)}, n)...)
}

func (pkcs7) Unpad(src []byte, blockSize int) ([]byte, error) {
	if len(src) == 0 || len(src)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}
	n := int(src[len(src)-1])
	if n == 0 || n > blockSize || n > len(src) {
		return nil, ErrInvalidPadding
	}
	for _, b := range src[len(src)-n:] {
		if int(b) != n {
			return nil, ErrInvalidPadding
		}
	}
	return src[:len(src)-n], nil
}

type x923 struct{}

func (x923) Name() primitive.PaddingMode { return primitive.X923 }

func (x923) Pad(dst, src []byte, blockSize int) []byte {
	n := padLength(len(src), blockSize)
	dst = append(dst, src...)
	dst = append(dst, make([]byte, n-1)...)
	return append(dst, byte(n))
}

func (x923) Unpad(src []byte, blockSize int) ([]byte, error) {
	if len(src) == 0 || len(src)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}
	n := int(src[len(src)-1])
	if n == 0 || n > blockSize || n > len(src) {
		return nil, ErrInvalidPadding
	}
	for _, b := range src[len(src)-n : len(src)-1] {
		if b != 0 {
			return nil, ErrInvalidPadding
		}
	}
	return src[:len(src)-n], nil
}

type iso7816 struct{}

func (iso7816) Name() primitive.PaddingMode { return primitive.ISO7816 }

func (iso7816) Pad(dst, src []byte, blockSize int) []byte {
	n := padLength(len(src), blockSize)
	dst = append(dst, src...)
	dst = append(dst, 0x80)
	return append(dst, make([]byte, n-1)...)
}

func (iso7816) Unpad(src []byte, blockSize int) ([]byte, error) {
	if len(src) == 0 || len(src)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}
	i := len(src) - 1
	for i >= 0 && src[i] == 0 {
		i--
	}
	if i < 0 || src[i] != 0x80 || len(src)-i > blockSize {
		return nil, ErrInvalidPadding
	}
	return src[:i], nil
}

// tbc is trailing bit complement: the pad repeats the complement of the
// final data bit. Length recovery needs the original length, so Pad records
// it in the final byte the way the original scheme does for byte streams.
type tbc struct{}

func (tbc) Name() primitive.PaddingMode { return primitive.TBC }

func (tbc) Pad(dst, src []byte, blockSize int) []byte {
	n := padLength(len(src), blockSize)
	var fill byte = 0xff
	if len(src) > 0 && src[len(src)-1]&0x01 != 0 {
		fill = 0x00
	}
	dst = append(dst, src...)
	for i := 0; i < n-1; i++ {
		dst = append(dst, fill)
	}
	return append(dst, byte(n))
}

func (tbc) Unpad(src []byte, blockSize int) ([]byte, error) {
	if len(src) == 0 || len(src)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}
	n := int(src[len(src)-1])
	if n == 0 || n > blockSize || n > len(src) {
		return nil, ErrInvalidPadding
	}
	return src[:len(src)-n], nil
}
