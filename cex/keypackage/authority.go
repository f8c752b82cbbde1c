// Package keypackage implements the on-disk policy-bearing subkey store: a
// package holds an authority header, a cipher description and N subkeys,
// each with its own policy, identifier and lifecycle state.
package keypackage

import (
	"encoding/binary"
	"errors"
)

// AuthoritySize is the serialized authority header length.
const AuthoritySize = 144

var ErrAuthorityEncoding = errors.New("keypackage: malformed authority header")

// KeyAuthority binds a package to its issuing domain and target.
type KeyAuthority struct {
	DomainID    [32]byte
	OriginID    [16]byte
	TargetID    [16]byte
	PackageID   [32]byte
	PackageTag  [32]byte
	PolicyFlags uint64
	OptionFlag  int64
}

// AppendBinary appends the fixed-size wire form.
func (a KeyAuthority) AppendBinary(dst []byte) []byte {
	dst = append(dst, a.DomainID[:]...)
	dst = append(dst, a.OriginID[:]...)
	dst = append(dst, a.TargetID[:]...)
	dst = append(dst, a.PackageID[:]...)
	dst = append(dst, a.PackageTag[:]...)
	dst = binary.LittleEndian.AppendUint64(dst, a.PolicyFlags)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(a.OptionFlag))
	return dst
}

// ParseAuthority decodes the fixed-size wire form.
func ParseAuthority(data []byte) (KeyAuthority, error) {
	var a KeyAuthority
	if len(data) < AuthoritySize {
		return a, ErrAuthorityEncoding
	}
	copy(a.DomainID[:], data[0:32])
	copy(a.OriginID[:], data[32:48])
	copy(a.TargetID[:], data[48:64])
	copy(a.PackageID[:], data[64:96])
	copy(a.PackageTag[:], data[96:128])
	a.PolicyFlags = binary.LittleEndian.Uint64(data[128:136])
	a.OptionFlag = int64(binary.LittleEndian.Uint64(data[136:144]))
	return a, nil
}
