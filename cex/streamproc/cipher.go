package streamproc

import (
	"context"
	"errors"
	"io"

	"github.com/vtdev/cex/cex/blockmode"
	"github.com/vtdev/cex/cex/primitive"
)

var ErrPaddingRequired = errors.New("streamproc: block-chaining modes require a padding codec")

// CipherStream drives an initialized mode engine over a byte stream,
// applying padding to the final block of chained modes. Counter and output
// feedback modes are stream-like and pass arbitrary lengths through.
type CipherStream struct {
	mode       blockmode.Mode
	padding    blockmode.Padding
	encrypting bool
	opts       Options
}

// NewCipherStream wraps a mode engine that was already initialized for the
// given direction. padding may be nil for CTR and OFB.
func NewCipherStream(mode blockmode.Mode, padding blockmode.Padding, encrypting bool, opts Options) *CipherStream {
	return &CipherStream{mode: mode, padding: padding, encrypting: encrypting, opts: opts}
}

// chained reports whether the engine needs block-aligned input.
func (s *CipherStream) chained() bool {
	name := s.mode.Name()
	return name == primitive.CBC || name == primitive.CFB
}

// Transform processes exactly length bytes from r into w and returns the
// number of output bytes written.
func (s *CipherStream) Transform(ctx context.Context, r io.Reader, w io.Writer, length int64) (int64, error) {
	if s.chained() && s.padding == nil {
		return 0, ErrPaddingRequired
	}
	bs := s.mode.BlockSize()
	var written int64
	out := make([]byte, s.opts.bufferSize()+bs)

	err := pump(ctx, r, length, s.opts, bs, func(p []byte, final bool) error {
		if !s.chained() {
			if err := s.mode.Transform(p, out[:len(p)]); err != nil {
				return err
			}
			n, err := w.Write(out[:len(p)])
			written += int64(n)
			return err
		}
		if s.encrypting {
			return s.consumeEncrypt(p, final, out, w, &written)
		}
		return s.consumeDecrypt(p, final, out, w, &written)
	})
	if err != nil {
		return written, err
	}
	return written, nil
}

func (s *CipherStream) consumeEncrypt(p []byte, final bool, out []byte, w io.Writer, written *int64) error {
	bs := s.mode.BlockSize()
	if !final {
		// Buffers are block multiples by construction.
		if err := s.mode.Transform(p, out[:len(p)]); err != nil {
			return err
		}
		n, err := w.Write(out[:len(p)])
		*written += int64(n)
		return err
	}
	padded := s.padding.Pad(nil, p, bs)
	if len(padded) > len(out) {
		out = make([]byte, len(padded))
	}
	if err := s.mode.Transform(padded, out[:len(padded)]); err != nil {
		return err
	}
	n, err := w.Write(out[:len(padded)])
	*written += int64(n)
	return err
}

func (s *CipherStream) consumeDecrypt(p []byte, final bool, out []byte, w io.Writer, written *int64) error {
	bs := s.mode.BlockSize()
	if len(p)%bs != 0 {
		return blockmode.ErrBlockAlignment
	}
	if err := s.mode.Transform(p, out[:len(p)]); err != nil {
		return err
	}
	view := out[:len(p)]
	if final {
		stripped, err := s.padding.Unpad(view, bs)
		if err != nil {
			return err
		}
		view = stripped
	}
	n, err := w.Write(view)
	*written += int64(n)
	return err
}
