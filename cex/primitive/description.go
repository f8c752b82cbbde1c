package primitive

import (
	"encoding/binary"
	"errors"
)

// DescriptionSize is the serialized size of a CipherDescription.
const DescriptionSize = 32

var ErrDescriptionSize = errors.New("primitive: cipher description must be 32 bytes")

// CipherDescription is the portable recipe for a symmetric cipher
// configuration. Two descriptions describe the same cipher iff every field
// is equal.
//
// Wire form, 32 bytes little-endian:
//
//	2 bytes: engine (block kind, or stream kind with the high bit set)
//	2 bytes: key size in bits
//	2 bytes: iv size in bits
//	1 byte:  cipher mode
//	1 byte:  padding mode
//	2 bytes: block size in bits
//	2 bytes: rounds
//	1 byte:  kdf digest
//	2 bytes: mac digest size in bytes
//	1 byte:  mac digest
//	16 bytes: reserved, zero
type CipherDescription struct {
	Engine        uint16
	KeyBits       uint16
	IVBits        uint16
	Mode          CipherMode
	Padding       PaddingMode
	BlockBits     uint16
	Rounds        uint16
	KdfDigest     DigestKind
	MacDigestSize uint16
	MacDigest     DigestKind
}

// streamEngineBit marks the engine field as a stream cipher kind.
const streamEngineBit = 0x8000

// NewDescription builds a block cipher description.
func NewDescription(engine BlockCipherKind, keyBits, ivBits uint16, mode CipherMode, padding PaddingMode) CipherDescription {
	return CipherDescription{
		Engine:        uint16(engine),
		KeyBits:       keyBits,
		IVBits:        ivBits,
		Mode:          mode,
		Padding:       padding,
		BlockBits:     128,
		KdfDigest:     SHA512,
		MacDigestSize: 64,
		MacDigest:     SHA512,
	}
}

// BlockKind returns the block cipher kind, or BlockNone for stream engines.
func (d CipherDescription) BlockKind() BlockCipherKind {
	if d.Engine&streamEngineBit != 0 {
		return BlockNone
	}
	return BlockCipherKind(d.Engine)
}

// StreamKind returns the stream cipher kind, or StreamNone for block engines.
func (d CipherDescription) StreamKind() StreamCipherKind {
	if d.Engine&streamEngineBit == 0 {
		return StreamNone
	}
	return StreamCipherKind(d.Engine &^ streamEngineBit)
}

// SetStreamEngine records a stream cipher kind in the engine field.
func (d *CipherDescription) SetStreamEngine(k StreamCipherKind) {
	d.Engine = uint16(k) | streamEngineBit
}

// KeySize returns the key length in bytes.
func (d CipherDescription) KeySize() int { return int(d.KeyBits) / 8 }

// IVSize returns the IV length in bytes.
func (d CipherDescription) IVSize() int { return int(d.IVBits) / 8 }

// BlockSize returns the block length in bytes.
func (d CipherDescription) BlockSize() int { return int(d.BlockBits) / 8 }

// SameAs reports field-for-field equality.
func (d CipherDescription) SameAs(o CipherDescription) bool { return d == o }

// AppendBinary appends the 32-byte wire form to dst.
func (d CipherDescription) AppendBinary(dst []byte) []byte {
	var buf [DescriptionSize]byte
	binary.LittleEndian.PutUint16(buf[0:], d.Engine)
	binary.LittleEndian.PutUint16(buf[2:], d.KeyBits)
	binary.LittleEndian.PutUint16(buf[4:], d.IVBits)
	buf[6] = byte(d.Mode)
	buf[7] = byte(d.Padding)
	binary.LittleEndian.PutUint16(buf[8:], d.BlockBits)
	binary.LittleEndian.PutUint16(buf[10:], d.Rounds)
	buf[12] = byte(d.KdfDigest)
	binary.LittleEndian.PutUint16(buf[13:], d.MacDigestSize)
	buf[15] = byte(d.MacDigest)
	return append(dst, buf[:]...)
}

// MarshalBinary returns the 32-byte wire form.
func (d CipherDescription) MarshalBinary() ([]byte, error) {
	return d.AppendBinary(nil), nil
}

// UnmarshalBinary parses the 32-byte wire form.
func (d *CipherDescription) UnmarshalBinary(data []byte) error {
	if len(data) < DescriptionSize {
		return ErrDescriptionSize
	}
	d.Engine = binary.LittleEndian.Uint16(data[0:])
	d.KeyBits = binary.LittleEndian.Uint16(data[2:])
	d.IVBits = binary.LittleEndian.Uint16(data[4:])
	d.Mode = CipherMode(data[6])
	d.Padding = PaddingMode(data[7])
	d.BlockBits = binary.LittleEndian.Uint16(data[8:])
	d.Rounds = binary.LittleEndian.Uint16(data[10:])
	d.KdfDigest = DigestKind(data[12])
	d.MacDigestSize = binary.LittleEndian.Uint16(data[13:])
	d.MacDigest = DigestKind(data[15])
	return nil
}

// ValidLengths reports whether key and IV lengths in bytes satisfy the
// description.
func (d CipherDescription) ValidLengths(keyLen, ivLen int) bool {
	return keyLen == d.KeySize() && ivLen == d.IVSize()
}
