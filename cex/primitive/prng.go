package primitive

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"io"
)

// csprng reads directly from the operating system entropy source.
type csprng struct{}

func (csprng) Kind() PrngKind { return CSPRng }

func (csprng) Fill(p []byte) error {
	_, err := io.ReadFull(rand.Reader, p)
	return err
}

func (g csprng) NextUint32() (uint32, error) {
	var b [4]byte
	if err := g.Fill(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// ctrDrbg expands an AES-256-CTR keystream from a random seed. Reseeding is
// not needed within a process lifetime at the volumes this library produces.
type ctrDrbg struct {
	stream cipher.Stream
}

func newCtrDrbg() (Prng, error) {
	seed := make([]byte, 32+aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(seed[:32])
	if err != nil {
		return nil, err
	}
	return &ctrDrbg{stream: cipher.NewCTR(block, seed[32:])}, nil
}

func (g *ctrDrbg) Kind() PrngKind { return CTRDrbg }

func (g *ctrDrbg) Fill(p []byte) error {
	for i := range p {
		p[i] = 0
	}
	g.stream.XORKeyStream(p, p)
	return nil
}

func (g *ctrDrbg) NextUint32() (uint32, error) {
	var b [4]byte
	if err := g.Fill(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// digestDrbg ratchets a hash chain: each step hashes the chain state with a
// domain byte to produce output and the next state, so earlier output cannot
// be recovered from a captured state.
type digestDrbg struct {
	digest Digest
	state  []byte
}

func newDigestDrbg(kind DigestKind) (Prng, error) {
	d, err := newDigestKind(kind)
	if err != nil {
		return nil, err
	}
	state := make([]byte, d.DigestSize())
	if _, err := io.ReadFull(rand.Reader, state); err != nil {
		return nil, err
	}
	return &digestDrbg{digest: d, state: state}, nil
}

func (g *digestDrbg) Kind() PrngKind { return DigestDrbg }

func (g *digestDrbg) Fill(p []byte) error {
	for len(p) > 0 {
		g.digest.Reset()
		g.digest.Update(g.state)
		g.digest.Update([]byte{0x01})
		out := g.digest.Finalize(nil)

		g.digest.Reset()
		g.digest.Update(g.state)
		g.digest.Update([]byte{0x02})
		g.state = g.digest.Finalize(g.state[:0])

		n := copy(p, out)
		p = p[n:]
	}
	return nil
}

func (g *digestDrbg) NextUint32() (uint32, error) {
	var b [4]byte
	if err := g.Fill(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}
