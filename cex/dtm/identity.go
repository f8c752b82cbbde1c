package dtm

import (
	"encoding/binary"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/blake2b"

	"github.com/vtdev/cex/cex/primitive"
)

var ErrIdentityEncoding = errors.New("dtm: malformed identity encoding")

// Identity names one endpoint to its peer. The identity bytes are an
// application-defined token; the library never interprets them beyond
// relaying them to the host for acceptance.
type Identity struct {
	Identity   []byte
	PkeID      []byte
	Session    primitive.CipherDescription
	OptionFlag int64
}

// NewIdentity builds an identity bound to a parameter set's primary phase.
func NewIdentity(token []byte, params Parameters) Identity {
	return Identity{
		Identity: append([]byte(nil), token...),
		PkeID:    append([]byte(nil), params.PrimaryPkeID...),
		Session:  params.PrimarySession,
	}
}

// AppendBinary appends the wire form:
//
//	2 bytes: identity length, N bytes token
//	1 byte:  pke id length, N bytes id
//	32 bytes: session description
//	8 bytes: option flag
func (id Identity) AppendBinary(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(id.Identity)))
	dst = append(dst, id.Identity...)
	dst = append(dst, byte(len(id.PkeID)))
	dst = append(dst, id.PkeID...)
	dst = id.Session.AppendBinary(dst)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(id.OptionFlag))
	return dst
}

// ParseIdentity decodes the wire form.
func ParseIdentity(data []byte) (Identity, error) {
	var id Identity
	if len(data) < 2 {
		return id, ErrIdentityEncoding
	}
	n := int(binary.LittleEndian.Uint16(data))
	data = data[2:]
	if len(data) < n+1 {
		return id, ErrIdentityEncoding
	}
	id.Identity = append([]byte(nil), data[:n]...)
	data = data[n:]
	m := int(data[0])
	data = data[1:]
	if len(data) < m+primitive.DescriptionSize+8 {
		return id, ErrIdentityEncoding
	}
	id.PkeID = append([]byte(nil), data[:m]...)
	data = data[m:]
	if err := id.Session.UnmarshalBinary(data); err != nil {
		return id, err
	}
	data = data[primitive.DescriptionSize:]
	id.OptionFlag = int64(binary.LittleEndian.Uint64(data))
	return id, nil
}

// Fingerprint condenses key material or an identity token to a short
// printable tag for logs and the SessionEstablished event.
func Fingerprint(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
