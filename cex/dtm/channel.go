package dtm

import (
	"crypto/subtle"

	"github.com/vtdev/cex/cex/blockmode"
	"github.com/vtdev/cex/cex/kdf"
	"github.com/vtdev/cex/cex/keymat"
	"github.com/vtdev/cex/cex/primitive"
)

// channel is one direction of an encrypt-then-MAC session pipe: a counter
// mode keystream over the session description's engine, authenticated with
// an HMAC over the frame header and ciphertext. Frames must be sealed and
// opened in transmission order; the sequence discipline in the endpoint
// guarantees that.
type channel struct {
	mode    blockmode.Mode
	mac     primitive.Mac
	km      *keymat.KeyMaterial
	macKM   *keymat.KeyMaterial
	macSize int
}

func newChannel(desc primitive.CipherDescription, key, iv, macKey []byte) (*channel, error) {
	engine, err := primitive.NewBlockCipher(desc.BlockKind())
	if err != nil {
		return nil, err
	}
	mode, err := blockmode.New(primitive.CTR, engine)
	if err != nil {
		return nil, err
	}
	km := keymat.New(key, iv, nil)
	if err := mode.Initialize(true, km); err != nil {
		km.Destroy()
		return nil, err
	}
	mac, err := primitive.NewMac(primitive.HMAC, desc.MacDigest)
	if err != nil {
		km.Destroy()
		return nil, err
	}
	macKM := keymat.New(macKey, nil, nil)
	if err := mac.Init(macKM); err != nil {
		km.Destroy()
		macKM.Destroy()
		return nil, err
	}
	return &channel{mode: mode, mac: mac, km: km, macKM: macKM, macSize: int(desc.MacDigestSize)}, nil
}

// Seal encrypts plain and appends the tag over ad || ciphertext.
func (c *channel) Seal(ad, plain []byte) ([]byte, error) {
	out := make([]byte, len(plain), len(plain)+c.macSize)
	if err := c.mode.Transform(plain, out); err != nil {
		return nil, err
	}
	c.mac.Reset()
	c.mac.Update(ad)
	c.mac.Update(out)
	tag := c.mac.Finalize(nil)
	if len(tag) > c.macSize {
		tag = tag[:c.macSize]
	}
	return append(out, tag...), nil
}

// Open verifies the trailing tag and decrypts.
func (c *channel) Open(ad, data []byte) ([]byte, error) {
	if len(data) < c.macSize {
		return nil, ErrAuthenticationFailed
	}
	ct := data[:len(data)-c.macSize]
	tag := data[len(data)-c.macSize:]
	c.mac.Reset()
	c.mac.Update(ad)
	c.mac.Update(ct)
	want := c.mac.Finalize(nil)
	if len(want) > c.macSize {
		want = want[:c.macSize]
	}
	if subtle.ConstantTimeCompare(tag, want) != 1 {
		return nil, ErrAuthenticationFailed
	}
	out := make([]byte, len(ct))
	if err := c.mode.Transform(ct, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Zeroize scrubs the channel's key material. The channel must not be used
// afterwards.
func (c *channel) Zeroize() {
	if c == nil {
		return
	}
	if c.km != nil {
		c.km.Destroy()
	}
	if c.macKM != nil {
		c.macKM.Destroy()
	}
}

// zeroed reports whether every key buffer has been wiped; exercised by the
// shutdown tests.
func (c *channel) zeroed() bool {
	if c == nil {
		return true
	}
	return keymat.IsZero(c.km.Key()) && keymat.IsZero(c.macKM.Key())
}

// channelPair is both directions of a phase.
type channelPair struct {
	tx *channel
	rx *channel
	// extra is auxiliary shared secret material for the phase, used to
	// key the file-transfer MACs.
	extra []byte
	// fingerprints of the directional channel keys, kept for the
	// SessionEstablished event.
	txFingerprint string
	rxFingerprint string
}

func (p *channelPair) Zeroize() {
	if p == nil {
		return
	}
	p.tx.Zeroize()
	p.rx.Zeroize()
	keymat.Zero(p.extra)
}

// deriveChannelPair expands two encapsulation secrets into directional
// channels. Both sides call it with the secrets in (initiator, responder)
// order, so the initiator's forward channel is the responder's return
// channel.
func deriveChannelPair(desc primitive.CipherDescription, initSecret, respSecret []byte, label string, initiator bool) (*channelPair, []byte, error) {
	keyLen := desc.KeySize()
	ivLen := desc.BlockSize()
	macLen := 64
	secret := append(append([]byte(nil), initSecret...), respSecret...)
	defer keymat.Zero(secret)

	oneSide := keyLen + ivLen + macLen
	material, err := kdf.HKDF(desc.KdfDigest, secret, nil, []byte(label), 2*oneSide+64)
	if err != nil {
		return nil, nil, err
	}
	defer keymat.Zero(material)

	fwd := material[:oneSide]
	ret := material[oneSide : 2*oneSide]
	confirm := append([]byte(nil), material[2*oneSide:2*oneSide+32]...)
	extra := append([]byte(nil), material[2*oneSide+32:]...)

	build := func(m []byte) (*channel, string, error) {
		ch, err := newChannel(desc, m[:keyLen], m[keyLen:keyLen+ivLen], m[keyLen+ivLen:])
		if err != nil {
			return nil, "", err
		}
		return ch, Fingerprint(m[:keyLen]), nil
	}
	fwdCh, fwdFp, err := build(fwd)
	if err != nil {
		return nil, nil, err
	}
	retCh, retFp, err := build(ret)
	if err != nil {
		fwdCh.Zeroize()
		return nil, nil, err
	}
	pair := &channelPair{extra: extra}
	if initiator {
		pair.tx, pair.rx = fwdCh, retCh
		pair.txFingerprint, pair.rxFingerprint = fwdFp, retFp
	} else {
		pair.tx, pair.rx = retCh, fwdCh
		pair.txFingerprint, pair.rxFingerprint = retFp, fwdFp
	}
	return pair, confirm, nil
}

// derivePreAuthPair expands the out-of-band domain secret into the wrap
// channels that protect the identity frames before any asymmetric work.
func derivePreAuthPair(desc primitive.CipherDescription, domainSecret []byte, initiator bool) (*channelPair, error) {
	pair, confirm, err := deriveChannelPair(desc, domainSecret, nil, "dtm-preauth-v1", initiator)
	if err != nil {
		return nil, err
	}
	keymat.Zero(confirm)
	return pair, nil
}
