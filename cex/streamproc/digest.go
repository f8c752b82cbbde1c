package streamproc

import (
	"context"
	"io"

	"github.com/vtdev/cex/cex/primitive"
)

// DigestStream computes a digest over a byte stream.
type DigestStream struct {
	digest primitive.Digest
	opts   Options
}

// NewDigestStream wraps an existing digest instance.
func NewDigestStream(d primitive.Digest, opts Options) *DigestStream {
	return &DigestStream{digest: d, opts: opts}
}

// Compute hashes exactly length bytes from r and returns the digest.
func (s *DigestStream) Compute(ctx context.Context, r io.Reader, length int64) ([]byte, error) {
	s.digest.Reset()
	err := pump(ctx, r, length, s.opts, s.digest.BlockSize(), func(p []byte, final bool) error {
		s.digest.Update(p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.digest.Finalize(nil), nil
}

// MacStream computes a MAC over a byte stream.
type MacStream struct {
	mac  primitive.Mac
	opts Options
}

// NewMacStream wraps an initialized MAC instance.
func NewMacStream(m primitive.Mac, opts Options) *MacStream {
	return &MacStream{mac: m, opts: opts}
}

// Compute authenticates exactly length bytes from r and returns the tag.
func (s *MacStream) Compute(ctx context.Context, r io.Reader, length int64) ([]byte, error) {
	s.mac.Reset()
	err := pump(ctx, r, length, s.opts, s.mac.BlockSize(), func(p []byte, final bool) error {
		s.mac.Update(p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.mac.Finalize(nil), nil
}
