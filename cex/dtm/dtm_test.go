package dtm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vtdev/cex/cex/primitive"
)

func TestParametersRoundTrip(t *testing.T) {
	p := DefaultParameters()
	p.Padding.SymKey = Bound{Pre: 7, Post: 300}
	p.Delays = Delays{AsmKey: 11, SymKey: 22, Message: 33}

	wire := p.AppendBinary(nil)
	got, err := ParseParameters(wire)
	require.NoError(t, err)

	require.Equal(t, p.OID, got.OID)
	require.Equal(t, p.AuthPkeID, got.AuthPkeID)
	require.Equal(t, p.PrimaryPkeID, got.PrimaryPkeID)
	require.True(t, p.AuthSession.SameAs(got.AuthSession))
	require.True(t, p.PrimarySession.SameAs(got.PrimarySession))
	require.Equal(t, p.RandomKind, got.RandomKind)
	require.Equal(t, p.Padding, got.Padding)
	require.Equal(t, p.Delays, got.Delays)
}

func TestParametersRejectsTruncation(t *testing.T) {
	wire := DefaultParameters().AppendBinary(nil)
	for _, n := range []int{0, 10, OIDSize + 1, len(wire) - 1} {
		_, err := ParseParameters(wire[:n])
		require.Error(t, err, "length %d", n)
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	params := DefaultParameters()
	id := NewIdentity([]byte("alice@example"), params)
	id.OptionFlag = -42

	wire := id.AppendBinary(nil)
	got, err := ParseIdentity(wire)
	require.NoError(t, err)
	require.Equal(t, id.Identity, got.Identity)
	require.Equal(t, id.PkeID, got.PkeID)
	require.True(t, id.Session.SameAs(got.Session))
	require.Equal(t, id.OptionFlag, got.OptionFlag)
}

func TestIdentityRejectsGarbage(t *testing.T) {
	_, err := ParseIdentity([]byte{0x01})
	require.ErrorIs(t, err, ErrIdentityEncoding)

	wire := NewIdentity([]byte("x"), DefaultParameters()).AppendBinary(nil)
	_, err = ParseIdentity(wire[:len(wire)-4])
	require.ErrorIs(t, err, ErrIdentityEncoding)
}

func TestChannelSealOpen(t *testing.T) {
	desc := DefaultParameters().PrimarySession
	secret := bytes.Repeat([]byte{0x3c}, 32)

	a, confirmA, err := deriveChannelPair(desc, secret, nil, "test", true)
	require.NoError(t, err)
	b, confirmB, err := deriveChannelPair(desc, secret, nil, "test", false)
	require.NoError(t, err)
	require.Equal(t, confirmA, confirmB)
	require.Equal(t, a.txFingerprint, b.rxFingerprint)
	require.Equal(t, a.rxFingerprint, b.txFingerprint)

	ad := []byte("frame header")
	sealed, err := a.tx.Seal(ad, []byte("hello dtm"))
	require.NoError(t, err)
	plain, err := b.rx.Open(ad, sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("hello dtm"), plain)

	// A tampered tag or mismatched context must fail closed.
	sealed2, err := a.tx.Seal(ad, []byte("second"))
	require.NoError(t, err)
	sealed2[len(sealed2)-1] ^= 0x01
	_, err = b.rx.Open(ad, sealed2)
	require.ErrorIs(t, err, ErrAuthenticationFailed)

	sealed3, err := b.tx.Seal(ad, []byte("reverse"))
	require.NoError(t, err)
	_, err = a.rx.Open([]byte("wrong header"), sealed3)
	require.ErrorIs(t, err, ErrAuthenticationFailed)

	a.Zeroize()
	require.True(t, a.tx.zeroed() && a.rx.zeroed())
}

func TestKemSchemes(t *testing.T) {
	for _, id := range [][]byte{PkeMlKem768, PkeMlKem1024} {
		scheme, err := kemByID(id)
		require.NoError(t, err)

		priv, pub, err := scheme.GenerateKeyPair()
		require.NoError(t, err)
		require.Len(t, pub, scheme.PublicKeySize())

		shared, ct, err := scheme.Encapsulate(pub)
		require.NoError(t, err)
		require.Len(t, ct, scheme.CiphertextSize())

		got, err := priv.Decapsulate(ct)
		require.NoError(t, err)
		require.Equal(t, shared, got)
		priv.Destroy()
	}

	_, err := kemByID([]byte("NTRU"))
	require.Error(t, err)
}

func TestPadUnpadBounds(t *testing.T) {
	e := testEndpointShell(t)
	body := []byte("padded body")
	for i := 0; i < 32; i++ {
		padded := e.pad(body, Bound{Pre: 16, Post: 16})
		require.LessOrEqual(t, len(padded), 6+16+len(body)+16)
		out, err := unpad(padded)
		require.NoError(t, err)
		require.Equal(t, body, out)
	}

	// Zero bounds add only the length framing.
	padded := e.pad(body, Bound{})
	require.Len(t, padded, 6+len(body))

	_, err := unpad([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestSeqAfter(t *testing.T) {
	require.True(t, seqAfter(5, 4))
	require.True(t, seqAfter(0, ^uint32(0)))
	require.False(t, seqAfter(4, 4))
	require.False(t, seqAfter(3, 4))
	require.False(t, seqAfter(^uint32(0), 0))
}

// testEndpointShell builds an endpoint without a connection for unit tests
// of pure helpers.
func testEndpointShell(t *testing.T) *Endpoint {
	t.Helper()
	prng, err := primitive.NewPrng(primitive.CSPRng)
	require.NoError(t, err)
	return &Endpoint{prng: prng}
}
