package dtm

import (
	"encoding/binary"
	"errors"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vtdev/cex/cex/primitive"
)

var ErrParametersEncoding = errors.New("dtm: malformed parameters encoding")

// OIDSize is the length of a parameter-set identifier.
const OIDSize = 16

// Bound is an inclusive upper limit pair on random prepend/append padding.
type Bound struct {
	Pre  uint16 `yaml:"pre"`
	Post uint16 `yaml:"post"`
}

// PaddingBounds groups the padding limits per message class.
type PaddingBounds struct {
	AsmKey    Bound `yaml:"asmKey"`
	AsmParams Bound `yaml:"asmParams"`
	SymKey    Bound `yaml:"symKey"`
	Message   Bound `yaml:"message"`
}

// Delays holds upper bounds, in milliseconds, on the randomized transmit
// delays applied before the sensitive sends.
type Delays struct {
	AsmKey  uint32 `yaml:"asmKey"`
	SymKey  uint32 `yaml:"symKey"`
	Message uint32 `yaml:"message"`
}

// Parameters fixes both endpoints' view of one exchange configuration. The
// two sides must agree on the OID before connecting.
type Parameters struct {
	OID            [OIDSize]byte
	AuthPkeID      []byte
	PrimaryPkeID   []byte
	AuthSession    primitive.CipherDescription
	PrimarySession primitive.CipherDescription
	RandomKind     primitive.PrngKind
	Padding        PaddingBounds
	Delays         Delays
}

// DefaultParameters returns the X41RNT1R1 profile: AES-256-CTR sessions with
// HMAC-SHA512 authentication, ML-KEM-768 for the auth phase and ML-KEM-1024
// for the primary phase.
func DefaultParameters() Parameters {
	var oid [OIDSize]byte
	copy(oid[:], "X41RNT1R1")
	session := primitive.NewDescription(primitive.Rijndael, 256, 128, primitive.CTR, primitive.PaddingNone)
	return Parameters{
		OID:            oid,
		AuthPkeID:      PkeMlKem768,
		PrimaryPkeID:   PkeMlKem1024,
		AuthSession:    session,
		PrimarySession: session,
		RandomKind:     primitive.CSPRng,
		Padding: PaddingBounds{
			AsmKey:    Bound{Pre: 128, Post: 128},
			AsmParams: Bound{Pre: 64, Post: 64},
			SymKey:    Bound{Pre: 128, Post: 128},
			Message:   Bound{Pre: 64, Post: 64},
		},
		Delays: Delays{AsmKey: 30, SymKey: 30, Message: 10},
	}
}

// AppendBinary appends the wire form. The field order here is the wire
// contract; it intentionally ignores any constructor argument order.
//
//	16 bytes: oid
//	1 byte:  auth pke id length, N bytes id
//	1 byte:  primary pke id length, N bytes id
//	32 bytes: auth session description
//	32 bytes: primary session description
//	1 byte:  random kind
//	8 x 2 bytes: padding bounds (asmKey pre/post, asmParams pre/post,
//	             symKey pre/post, message pre/post)
//	3 x 4 bytes: delays (asmKey, symKey, message)
func (p Parameters) AppendBinary(dst []byte) []byte {
	dst = append(dst, p.OID[:]...)
	dst = append(dst, byte(len(p.AuthPkeID)))
	dst = append(dst, p.AuthPkeID...)
	dst = append(dst, byte(len(p.PrimaryPkeID)))
	dst = append(dst, p.PrimaryPkeID...)
	dst = p.AuthSession.AppendBinary(dst)
	dst = p.PrimarySession.AppendBinary(dst)
	dst = append(dst, byte(p.RandomKind))
	for _, b := range []Bound{p.Padding.AsmKey, p.Padding.AsmParams, p.Padding.SymKey, p.Padding.Message} {
		dst = binary.LittleEndian.AppendUint16(dst, b.Pre)
		dst = binary.LittleEndian.AppendUint16(dst, b.Post)
	}
	dst = binary.LittleEndian.AppendUint32(dst, p.Delays.AsmKey)
	dst = binary.LittleEndian.AppendUint32(dst, p.Delays.SymKey)
	dst = binary.LittleEndian.AppendUint32(dst, p.Delays.Message)
	return dst
}

// ParseParameters decodes the wire form.
func ParseParameters(data []byte) (Parameters, error) {
	var p Parameters
	if len(data) < OIDSize+2 {
		return p, ErrParametersEncoding
	}
	copy(p.OID[:], data[:OIDSize])
	data = data[OIDSize:]

	readBytes := func() ([]byte, bool) {
		if len(data) < 1 {
			return nil, false
		}
		n := int(data[0])
		if len(data) < 1+n {
			return nil, false
		}
		out := append([]byte(nil), data[1:1+n]...)
		data = data[1+n:]
		return out, true
	}
	var ok bool
	if p.AuthPkeID, ok = readBytes(); !ok {
		return p, ErrParametersEncoding
	}
	if p.PrimaryPkeID, ok = readBytes(); !ok {
		return p, ErrParametersEncoding
	}
	if len(data) < 2*primitive.DescriptionSize+1+16+12 {
		return p, ErrParametersEncoding
	}
	if err := p.AuthSession.UnmarshalBinary(data); err != nil {
		return p, err
	}
	data = data[primitive.DescriptionSize:]
	if err := p.PrimarySession.UnmarshalBinary(data); err != nil {
		return p, err
	}
	data = data[primitive.DescriptionSize:]
	p.RandomKind = primitive.PrngKind(data[0])
	data = data[1:]
	bounds := []*Bound{&p.Padding.AsmKey, &p.Padding.AsmParams, &p.Padding.SymKey, &p.Padding.Message}
	for _, b := range bounds {
		b.Pre = binary.LittleEndian.Uint16(data[0:])
		b.Post = binary.LittleEndian.Uint16(data[2:])
		data = data[4:]
	}
	p.Delays.AsmKey = binary.LittleEndian.Uint32(data[0:])
	p.Delays.SymKey = binary.LittleEndian.Uint32(data[4:])
	p.Delays.Message = binary.LittleEndian.Uint32(data[8:])
	return p, nil
}

// profile is the YAML form of a parameter set, for operator-managed
// configuration files.
type profile struct {
	OID            string        `yaml:"oid"`
	AuthPke        string        `yaml:"authPke"`
	PrimaryPke     string        `yaml:"primaryPke"`
	Engine         string        `yaml:"engine"`
	KeyBits        uint16        `yaml:"keyBits"`
	RandomKind     string        `yaml:"randomKind"`
	PaddingBounds  PaddingBounds `yaml:"padding"`
	DelaysMillis   Delays        `yaml:"delays"`
}

// SaveProfile writes the parameter set as YAML.
func SaveProfile(path string, p Parameters) error {
	pr := profile{
		OID:           string(trimZero(p.OID[:])),
		AuthPke:       string(p.AuthPkeID),
		PrimaryPke:    string(p.PrimaryPkeID),
		Engine:        p.PrimarySession.BlockKind().String(),
		KeyBits:       p.PrimarySession.KeyBits,
		RandomKind:    p.RandomKind.String(),
		PaddingBounds: p.Padding,
		DelaysMillis:  p.Delays,
	}
	data, err := yaml.Marshal(&pr)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadProfile reads a YAML profile over the default parameter set; absent
// fields keep their defaults.
func LoadProfile(path string) (Parameters, error) {
	p := DefaultParameters()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	var pr profile
	if err := yaml.Unmarshal(data, &pr); err != nil {
		return p, err
	}
	if pr.OID != "" {
		p.OID = [OIDSize]byte{}
		copy(p.OID[:], pr.OID)
	}
	if pr.AuthPke != "" {
		p.AuthPkeID = []byte(pr.AuthPke)
	}
	if pr.PrimaryPke != "" {
		p.PrimaryPkeID = []byte(pr.PrimaryPke)
	}
	if pr.KeyBits != 0 {
		p.AuthSession.KeyBits = pr.KeyBits
		p.PrimarySession.KeyBits = pr.KeyBits
	}
	if pr.PaddingBounds != (PaddingBounds{}) {
		p.Padding = pr.PaddingBounds
	}
	if pr.DelaysMillis != (Delays{}) {
		p.Delays = pr.DelaysMillis
	}
	return p, nil
}

func trimZero(b []byte) []byte {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return b[:i]
}
