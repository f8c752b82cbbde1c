package keypackage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vtdev/cex/cex/kdf"
	"github.com/vtdev/cex/cex/keymat"
	"github.com/vtdev/cex/cex/primitive"
)

func testGenerator(t *testing.T) *kdf.KeyGenerator {
	t.Helper()
	gen, err := kdf.NewKeyGenerator(primitive.CSPRng, primitive.Blake2b512, nil)
	require.NoError(t, err)
	return gen
}

func testAuthority() KeyAuthority {
	var a KeyAuthority
	copy(a.DomainID[:], "test-domain-identifier-32-bytes!")
	copy(a.PackageTag[:], "test-package-tag-32-byte-value!!")
	copy(a.PackageID[:], "test-package-id")
	return a
}

func testDescription() primitive.CipherDescription {
	return primitive.NewDescription(primitive.Rijndael, 256, 128, primitive.CTR, primitive.PaddingNone)
}

func createPackage(t *testing.T, policy Policy, n int) (*PackageKey, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "package.key")
	pkg, err := Create(path, testAuthority(), testDescription(), n, policy, time.Now().Unix(), testGenerator(t))
	require.NoError(t, err)
	return pkg, path
}

func fullCreds(pkg *PackageKey) Credentials {
	return Credentials{PackageTag: pkg.Authority.PackageTag, DomainID: pkg.Authority.DomainID}
}

func TestCreateAndLoad(t *testing.T) {
	pkg, path := createPackage(t, PolicyPostOverwrite, 10)
	require.Equal(t, 10, pkg.Count())

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, pkg.Count(), loaded.Count())
	require.Equal(t, pkg.Authority, loaded.Authority)
	require.True(t, pkg.Description.SameAs(loaded.Description))
	require.Equal(t, pkg.Extension, loaded.Extension)
	require.Equal(t, pkg.IDs, loaded.IDs)

	ids := map[SubkeyID]bool{}
	for _, id := range loaded.IDs {
		require.False(t, ids[id], "subkey ids must be unique")
		ids[id] = true
	}
	for i := 0; i < loaded.Count(); i++ {
		require.True(t, loaded.State(i).Readable())
	}
}

// The S7 scenario: a consuming read returns the key once, zeroes the blob
// on disk, and every later read reports the subkey as unavailable.
func TestPostOverwriteConsumesSubkey(t *testing.T) {
	pkg, path := createPackage(t, PolicyPostOverwrite, 10)
	creds := fullCreds(pkg)
	id := pkg.IDs[3]

	desc, km, _, err := pkg.Read(id, creds, time.Now().Unix())
	require.NoError(t, err)
	require.True(t, desc.SameAs(pkg.Description))
	require.Equal(t, desc.KeySize(), km.KeySize())
	require.Equal(t, desc.IVSize(), km.IVSize())
	require.False(t, keymat.IsZero(km.Key()), "read must return the original bytes")
	km.Destroy()

	_, _, _, err = pkg.Read(id, creds, time.Now().Unix())
	require.ErrorIs(t, err, ErrSubkeyUnavailable)

	// The blob region on disk is zero.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	off := pkg.blobOffset(3)
	require.True(t, keymat.IsZero(raw[off:off+int64(pkg.blobSize)]), "blob not zeroized on disk")

	// Unread neighbors are intact.
	prev := pkg.blobOffset(2)
	require.False(t, keymat.IsZero(raw[prev:prev+int64(pkg.blobSize)]))

	// A reloaded handle agrees.
	loaded, err := Load(path)
	require.NoError(t, err)
	_, _, _, err = loaded.Read(id, creds, time.Now().Unix())
	require.ErrorIs(t, err, ErrSubkeyUnavailable)
}

// A crash between the blob overwrite and the state write leaves an
// all-zero blob with an Active state; Load must finish the transition.
func TestCrashRecoveryInfersUsedState(t *testing.T) {
	pkg, path := createPackage(t, PolicyPostOverwrite, 4)

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(make([]byte, pkg.blobSize), pkg.blobOffset(1))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	loaded, err := Load(path)
	require.NoError(t, err)
	_, _, _, err = loaded.Read(loaded.IDs[1], fullCreds(loaded), time.Now().Unix())
	require.ErrorIs(t, err, ErrSubkeyUnavailable)
	require.NotZero(t, loaded.State(1)&StateUsed)

	// The inferred state was persisted.
	again, err := Load(path)
	require.NoError(t, err)
	require.NotZero(t, again.State(1)&StateUsed)
}

func TestPackageAuthPolicy(t *testing.T) {
	pkg, _ := createPackage(t, PolicyPackageAuth|PolicyDomainAuth, 3)

	_, _, _, err := pkg.Read(pkg.IDs[0], Credentials{}, time.Now().Unix())
	require.ErrorIs(t, err, ErrUnauthorized)

	bad := fullCreds(pkg)
	bad.DomainID[0] ^= 0xff
	_, _, _, err = pkg.Read(pkg.IDs[0], bad, time.Now().Unix())
	require.ErrorIs(t, err, ErrUnauthorized)

	_, km, _, err := pkg.Read(pkg.IDs[0], fullCreds(pkg), time.Now().Unix())
	require.NoError(t, err)
	km.Destroy()
}

func TestVolatileExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volatile.key")
	authority := testAuthority()
	expiry := time.Now().Unix() + 1000
	authority.OptionFlag = expiry

	pkg, err := Create(path, authority, testDescription(), 2, PolicyVolatile, time.Now().Unix(), testGenerator(t))
	require.NoError(t, err)

	_, km, _, err := pkg.Read(pkg.IDs[0], Credentials{}, expiry-1)
	require.NoError(t, err)
	km.Destroy()

	_, _, _, err = pkg.Read(pkg.IDs[1], Credentials{}, expiry+1)
	require.ErrorIs(t, err, ErrSubkeyExpired)
	require.NotZero(t, pkg.State(1)&StateExpired)
}

func TestReadAtPositional(t *testing.T) {
	pkg, _ := createPackage(t, 0, 5)
	creds := Credentials{}

	_, km, ext, err := pkg.ReadAt(4, creds, time.Now().Unix())
	require.NoError(t, err)
	require.Equal(t, pkg.Extension, ext)
	km.Destroy()

	_, _, _, err = pkg.ReadAt(5, creds, time.Now().Unix())
	require.ErrorIs(t, err, ErrUnknownSubkey)
	_, _, _, err = pkg.ReadAt(-1, creds, time.Now().Unix())
	require.ErrorIs(t, err, ErrUnknownSubkey)
}

func TestUnknownSubkeyID(t *testing.T) {
	pkg, _ := createPackage(t, 0, 2)
	var id SubkeyID
	id[0] = 0xa5
	_, _, _, err := pkg.Read(id, Credentials{}, time.Now().Unix())
	require.ErrorIs(t, err, ErrUnknownSubkey)
}

func TestNonConsumingReadStaysActive(t *testing.T) {
	pkg, _ := createPackage(t, 0, 2)
	for i := 0; i < 3; i++ {
		_, km, _, err := pkg.Read(pkg.IDs[0], Credentials{}, time.Now().Unix())
		require.NoError(t, err)
		km.Destroy()
	}
	require.True(t, pkg.State(0).Readable())
}

func TestInvalidCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.key")
	_, err := Create(path, testAuthority(), testDescription(), 0, 0, time.Now().Unix(), testGenerator(t))
	require.ErrorIs(t, err, ErrInvalidCount)
}

func TestCipherKeyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cipher.key")
	desc := testDescription()

	ck, km, err := WriteCipherKey(path, desc, PolicyPostOverwrite, 1234, testGenerator(t))
	require.NoError(t, err)
	defer km.Destroy()

	got, km2, err := ReadCipherKey(path)
	require.NoError(t, err)
	defer km2.Destroy()

	require.Equal(t, ck.ID, got.ID)
	require.True(t, desc.SameAs(got.Description))
	require.Equal(t, int64(1234), got.Created)
	require.Equal(t, PolicyPostOverwrite, got.Policy)
	require.Equal(t, ck.Extension, got.Extension)
	require.True(t, km.Equal(km2))
}

func TestObfuscateName(t *testing.T) {
	var ext [16]byte
	copy(ext[:], "extension-bytes!")

	a := ObfuscateName("secret-report.pdf", ext)
	b := ObfuscateName("secret-report.pdf", ext)
	c := ObfuscateName("other-file.pdf", ext)
	require.Equal(t, a, b, "same name and key must obfuscate identically")
	require.NotEqual(t, a, c)
	require.Len(t, a, 32)

	var ext2 [16]byte
	require.NotEqual(t, a, ObfuscateName("secret-report.pdf", ext2))
}
