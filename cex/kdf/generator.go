package kdf

import (
	"github.com/vtdev/cex/cex/keymat"
	"github.com/vtdev/cex/cex/primitive"
)

// KeyGenerator produces fresh keying material by compressing entropy from a
// configured generator through a digest chain. Each step hashes
// (state || 0x01 || info) to yield output and (state || 0x02) to yield the
// next state, so a captured state cannot recover earlier output.
type KeyGenerator struct {
	prng   primitive.Prng
	digest primitive.Digest
	info   []byte
}

// NewKeyGenerator builds a generator over the named primitives.
func NewKeyGenerator(prngKind primitive.PrngKind, digestKind primitive.DigestKind, info []byte) (*KeyGenerator, error) {
	prng, err := primitive.NewPrng(prngKind)
	if err != nil {
		return nil, err
	}
	digest, err := primitive.NewDigest(digestKind)
	if err != nil {
		return nil, err
	}
	return &KeyGenerator{prng: prng, digest: digest, info: append([]byte(nil), info...)}, nil
}

// Fill produces n bytes of derived material.
func (g *KeyGenerator) Fill(n int) ([]byte, error) {
	seed := make([]byte, g.digest.BlockSize())
	if err := g.prng.Fill(seed); err != nil {
		return nil, err
	}
	defer keymat.Zero(seed)

	out := make([]byte, 0, n)
	state := seed
	for len(out) < n {
		g.digest.Reset()
		g.digest.Update(state)
		g.digest.Update([]byte{0x01})
		g.digest.Update(g.info)
		out = g.digest.Finalize(out)

		g.digest.Reset()
		g.digest.Update(state)
		g.digest.Update([]byte{0x02})
		next := g.digest.Finalize(nil)
		keymat.Zero(state)
		state = next
	}
	keymat.Zero(state)
	return out[:n], nil
}

// Generate derives a KeyMaterial with the requested key and IV lengths.
func (g *KeyGenerator) Generate(keySize, ivSize int) (*keymat.KeyMaterial, error) {
	buf, err := g.Fill(keySize + ivSize)
	if err != nil {
		return nil, err
	}
	defer keymat.Zero(buf)
	return keymat.New(buf[:keySize], buf[keySize:], g.info), nil
}

// GenerateFor derives material sized for the description.
func (g *KeyGenerator) GenerateFor(desc primitive.CipherDescription) (*keymat.KeyMaterial, error) {
	return g.Generate(desc.KeySize(), desc.IVSize())
}
