package keypackage

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"

	"github.com/vtdev/cex/cex/kdf"
	"github.com/vtdev/cex/cex/keymat"
	"github.com/vtdev/cex/cex/primitive"
)

// CipherKey is the single-key wire record: one keyed cipher configuration
// plus the extension used to obfuscate companion ciphertext file names.
//
//	[id: 16 B]
//	[description: 32 B]
//	[created: 8 B i64]
//	[policy: 8 B u64]
//	[extension: 16 B]
//	[key material: key + iv]
type CipherKey struct {
	ID          SubkeyID
	Description primitive.CipherDescription
	Created     int64
	Policy      Policy
	Extension   [extensionSize]byte
}

const cipherKeyHeaderSize = subkeyIDSize + primitive.DescriptionSize + 8 + 8 + extensionSize

var ErrCipherKeyEncoding = errors.New("keypackage: malformed cipher key file")

// WriteCipherKey generates fresh material for desc and writes a key file.
func WriteCipherKey(path string, desc primitive.CipherDescription, policy Policy, created int64, gen *kdf.KeyGenerator) (CipherKey, *keymat.KeyMaterial, error) {
	var ck CipherKey
	ck.Description = desc
	ck.Created = created
	ck.Policy = policy

	idBytes, err := gen.Fill(subkeyIDSize + extensionSize)
	if err != nil {
		return ck, nil, err
	}
	copy(ck.ID[:], idBytes)
	copy(ck.Extension[:], idBytes[subkeyIDSize:])

	km, err := gen.GenerateFor(desc)
	if err != nil {
		return ck, nil, err
	}

	buf := make([]byte, 0, cipherKeyHeaderSize+km.KeySize()+km.IVSize())
	buf = append(buf, ck.ID[:]...)
	buf = ck.Description.AppendBinary(buf)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(ck.Created))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(ck.Policy))
	buf = append(buf, ck.Extension[:]...)
	buf = append(buf, km.Key()...)
	buf = append(buf, km.IV()...)
	defer keymat.Zero(buf)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		km.Destroy()
		return ck, nil, err
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		km.Destroy()
		return ck, nil, err
	}
	if err := f.Sync(); err != nil {
		km.Destroy()
		return ck, nil, err
	}
	return ck, km, nil
}

// ReadCipherKey loads a key file written by WriteCipherKey.
func ReadCipherKey(path string) (CipherKey, *keymat.KeyMaterial, error) {
	var ck CipherKey
	f, err := os.Open(path)
	if err != nil {
		return ck, nil, err
	}
	defer f.Close()

	head := make([]byte, cipherKeyHeaderSize)
	if _, err := io.ReadFull(f, head); err != nil {
		return ck, nil, ErrCipherKeyEncoding
	}
	copy(ck.ID[:], head)
	off := subkeyIDSize
	if err := ck.Description.UnmarshalBinary(head[off:]); err != nil {
		return ck, nil, err
	}
	off += primitive.DescriptionSize
	ck.Created = int64(binary.LittleEndian.Uint64(head[off:]))
	ck.Policy = Policy(binary.LittleEndian.Uint64(head[off+8:]))
	copy(ck.Extension[:], head[off+16:])

	blob := make([]byte, ck.Description.KeySize()+ck.Description.IVSize())
	if _, err := io.ReadFull(f, blob); err != nil {
		return ck, nil, ErrCipherKeyEncoding
	}
	km := keymat.New(blob[:ck.Description.KeySize()], blob[ck.Description.KeySize():], nil)
	keymat.Zero(blob)
	return ck, km, nil
}

// ObfuscateName derives the stored name for a ciphertext file: a digest of
// the clear name XORed against the key's extension, hex encoded. The same
// key and name always produce the same stored name.
func ObfuscateName(name string, extension [extensionSize]byte) string {
	sum := blake2b.Sum256([]byte(name))
	out := make([]byte, extensionSize)
	for i := range out {
		out[i] = sum[i] ^ extension[i]
	}
	return hex.EncodeToString(out)
}
