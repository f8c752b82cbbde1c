package keypackage

import (
	"bytes"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/samber/oops"

	"github.com/vtdev/cex/cex/kdf"
	"github.com/vtdev/cex/cex/keymat"
	"github.com/vtdev/cex/cex/primitive"
)

// File layout:
//
//	[authority: 144 B]
//	[description: 32 B]
//	[created: 8 B i64]
//	[subkey count: 4 B u32]
//	[per subkey: policy 8 B, id 16 B, state 1 B]
//	[extension: 16 B]
//	[subkey blob size: 4 B u32]
//	[per subkey: blob]
//
// There is no trailer or checksum; integrity is the caller's concern,
// typically via the description's MAC digest.

const (
	subkeyIDSize    = 16
	extensionSize   = 16
	subkeyEntrySize = 8 + subkeyIDSize + 1
	maxSubkeys      = 65536
)

var (
	ErrPackageEncoding   = errors.New("keypackage: malformed package file")
	ErrUnknownSubkey     = errors.New("keypackage: no subkey with that id")
	ErrSubkeyUnavailable = errors.New("keypackage: subkey used or unavailable")
	ErrSubkeyExpired     = errors.New("keypackage: subkey expired")
	ErrUnauthorized      = errors.New("keypackage: credentials rejected")
	ErrInvalidCount      = errors.New("keypackage: invalid subkey count")
)

// SubkeyID identifies one subkey within a package.
type SubkeyID [subkeyIDSize]byte

// Credentials are presented on read against the package's auth policies.
type Credentials struct {
	PackageTag [32]byte
	DomainID   [32]byte
}

// PackageKey is an open handle on a package file. Blob bytes stay on disk;
// only the header is held in memory.
type PackageKey struct {
	path        string
	Authority   KeyAuthority
	Description primitive.CipherDescription
	Created     int64
	Policies    []Policy
	IDs         []SubkeyID
	states      []SubkeyState
	Extension   [extensionSize]byte
	blobSize    int
}

func headerSize(n int) int64 {
	return int64(AuthoritySize + primitive.DescriptionSize + 8 + 4 + n*subkeyEntrySize + extensionSize + 4)
}

func (p *PackageKey) stateOffset(i int) int64 {
	return int64(AuthoritySize+primitive.DescriptionSize+8+4+i*subkeyEntrySize) + 8 + subkeyIDSize
}

func (p *PackageKey) blobOffset(i int) int64 {
	return headerSize(len(p.IDs)) + int64(i)*int64(p.blobSize)
}

// Count returns the number of subkeys in the package.
func (p *PackageKey) Count() int { return len(p.IDs) }

// State returns subkey i's lifecycle state.
func (p *PackageKey) State(i int) SubkeyState { return p.states[i] }

// Create builds a package file with n freshly generated subkeys, all
// Active. The generator supplies subkey identifiers, the extension key and
// the subkey material itself.
func Create(path string, authority KeyAuthority, desc primitive.CipherDescription, n int, policy Policy, created int64, gen *kdf.KeyGenerator) (*PackageKey, error) {
	if n <= 0 || n > maxSubkeys {
		return nil, ErrInvalidCount
	}
	blobSize := desc.KeySize() + desc.IVSize()
	p := &PackageKey{
		path:        path,
		Authority:   authority,
		Description: desc,
		Created:     created,
		Policies:    make([]Policy, n),
		IDs:         make([]SubkeyID, n),
		states:      make([]SubkeyState, n),
		blobSize:    blobSize,
	}
	idBytes, err := gen.Fill(n * subkeyIDSize)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		p.Policies[i] = policy
		copy(p.IDs[i][:], idBytes[i*subkeyIDSize:])
		p.states[i] = StateActive
	}
	ext, err := gen.Fill(extensionSize)
	if err != nil {
		return nil, err
	}
	copy(p.Extension[:], ext)

	buf := authority.AppendBinary(nil)
	buf = desc.AppendBinary(buf)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(created))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(n))
	for i := 0; i < n; i++ {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(p.Policies[i]))
		buf = append(buf, p.IDs[i][:]...)
		buf = append(buf, byte(p.states[i]))
	}
	buf = append(buf, p.Extension[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(blobSize))
	for i := 0; i < n; i++ {
		blob, err := gen.Fill(blobSize)
		if err != nil {
			return nil, err
		}
		buf = append(buf, blob...)
		keymat.Zero(blob)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, err
	}
	keymat.Zero(buf[headerSize(n):])
	return p, nil
}

// Load opens an existing package and reads its header. A subkey whose blob
// is all zero but whose state still says Active was interrupted between the
// overwrite and the state write of a consuming read; Load completes the
// transition.
func Load(path string) (*PackageKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	head := make([]byte, AuthoritySize+primitive.DescriptionSize+8+4)
	if _, err := io.ReadFull(f, head); err != nil {
		return nil, ErrPackageEncoding
	}
	p := &PackageKey{path: path}
	if p.Authority, err = ParseAuthority(head); err != nil {
		return nil, err
	}
	off := AuthoritySize
	if err := p.Description.UnmarshalBinary(head[off:]); err != nil {
		return nil, err
	}
	off += primitive.DescriptionSize
	p.Created = int64(binary.LittleEndian.Uint64(head[off:]))
	off += 8
	n := int(binary.LittleEndian.Uint32(head[off:]))
	if n <= 0 || n > maxSubkeys {
		return nil, ErrInvalidCount
	}

	entries := make([]byte, n*subkeyEntrySize+extensionSize+4)
	if _, err := io.ReadFull(f, entries); err != nil {
		return nil, ErrPackageEncoding
	}
	p.Policies = make([]Policy, n)
	p.IDs = make([]SubkeyID, n)
	p.states = make([]SubkeyState, n)
	for i := 0; i < n; i++ {
		e := entries[i*subkeyEntrySize:]
		p.Policies[i] = Policy(binary.LittleEndian.Uint64(e))
		copy(p.IDs[i][:], e[8:8+subkeyIDSize])
		p.states[i] = SubkeyState(e[8+subkeyIDSize])
	}
	copy(p.Extension[:], entries[n*subkeyEntrySize:])
	p.blobSize = int(binary.LittleEndian.Uint32(entries[n*subkeyEntrySize+extensionSize:]))
	if p.blobSize <= 0 {
		return nil, ErrPackageEncoding
	}

	if err := p.recoverInterrupted(f); err != nil {
		return nil, err
	}
	return p, nil
}

// recoverInterrupted finishes consuming reads that crashed between the blob
// overwrite and the state write.
func (p *PackageKey) recoverInterrupted(f *os.File) error {
	blob := make([]byte, p.blobSize)
	for i := range p.IDs {
		if !p.Policies[i].Has(PolicyPostOverwrite) || !p.states[i].Readable() {
			continue
		}
		if _, err := f.ReadAt(blob, p.blobOffset(i)); err != nil {
			return ErrPackageEncoding
		}
		if keymat.IsZero(blob) {
			if err := p.writeState(i, p.states[i]|StateUsed); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *PackageKey) writeState(i int, s SubkeyState) error {
	f, err := os.OpenFile(p.path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteAt([]byte{byte(s)}, p.stateOffset(i)); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	p.states[i] = s
	return nil
}

func (p *PackageKey) index(id SubkeyID) (int, error) {
	for i := range p.IDs {
		if bytes.Equal(p.IDs[i][:], id[:]) {
			return i, nil
		}
	}
	return 0, ErrUnknownSubkey
}

func (p *PackageKey) authorize(i int, creds Credentials, nowUnix int64) error {
	if p.Policies[i].Has(PolicyPackageAuth) &&
		subtle.ConstantTimeCompare(creds.PackageTag[:], p.Authority.PackageTag[:]) != 1 {
		return ErrUnauthorized
	}
	if p.Policies[i].Has(PolicyDomainAuth) &&
		subtle.ConstantTimeCompare(creds.DomainID[:], p.Authority.DomainID[:]) != 1 {
		return ErrUnauthorized
	}
	if p.Policies[i].Has(PolicyVolatile) && p.Authority.OptionFlag > 0 && nowUnix > p.Authority.OptionFlag {
		if p.states[i].Readable() {
			_ = p.writeState(i, p.states[i]|StateExpired)
		}
		return ErrSubkeyExpired
	}
	return nil
}

// Read hands out the subkey with the given id. Under PolicyPostOverwrite
// the read consumes the subkey: the blob is copied out, overwritten with
// zeros on disk, the state moves to Used, and the file is synced, in that
// order. A crash between the overwrite and the state write is recovered at
// the next Load because the all-zero blob implies Used.
func (p *PackageKey) Read(id SubkeyID, creds Credentials, nowUnix int64) (primitive.CipherDescription, *keymat.KeyMaterial, [extensionSize]byte, error) {
	i, err := p.index(id)
	if err != nil {
		return primitive.CipherDescription{}, nil, p.Extension, err
	}
	return p.readIndex(i, creds, nowUnix)
}

// ReadAt is the positional form used by volume-key stores, where a
// subkey's id is its index.
func (p *PackageKey) ReadAt(index int, creds Credentials, nowUnix int64) (primitive.CipherDescription, *keymat.KeyMaterial, [extensionSize]byte, error) {
	if index < 0 || index >= len(p.IDs) {
		return primitive.CipherDescription{}, nil, p.Extension, ErrUnknownSubkey
	}
	return p.readIndex(index, creds, nowUnix)
}

func (p *PackageKey) readIndex(i int, creds Credentials, nowUnix int64) (primitive.CipherDescription, *keymat.KeyMaterial, [extensionSize]byte, error) {
	var none primitive.CipherDescription
	if err := p.authorize(i, creds, nowUnix); err != nil {
		return none, nil, p.Extension, err
	}
	if !p.states[i].Readable() {
		return none, nil, p.Extension, ErrSubkeyUnavailable
	}

	f, err := os.OpenFile(p.path, os.O_RDWR, 0)
	if err != nil {
		return none, nil, p.Extension, err
	}
	defer f.Close()

	blob := make([]byte, p.blobSize)
	if _, err := f.ReadAt(blob, p.blobOffset(i)); err != nil {
		return none, nil, p.Extension, oops.Wrapf(err, "keypackage: subkey blob read failed")
	}
	keySize := p.Description.KeySize()
	km := keymat.New(blob[:keySize], blob[keySize:], nil)
	keymat.Zero(blob)

	if p.Policies[i].Has(PolicyPostOverwrite) {
		zero := make([]byte, p.blobSize)
		if _, err := f.WriteAt(zero, p.blobOffset(i)); err != nil {
			km.Destroy()
			return none, nil, p.Extension, err
		}
		if _, err := f.WriteAt([]byte{byte(p.states[i] | StateUsed)}, p.stateOffset(i)); err != nil {
			km.Destroy()
			return none, nil, p.Extension, err
		}
		if err := f.Sync(); err != nil {
			km.Destroy()
			return none, nil, p.Extension, err
		}
		p.states[i] |= StateUsed
	}
	return p.Description, km, p.Extension, nil
}
