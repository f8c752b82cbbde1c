// Package keymat holds symmetric keying material with explicit zeroizing
// destruction and constant-time comparison.
//
// A KeyMaterial is immutable after construction: the cipher and MAC
// constructors read from it, nothing writes to it. The owner calls Destroy
// exactly once when the material leaves scope; Destroy overwrites the
// backing arrays before they are released to the collector.
package keymat

import (
	"crypto/subtle"
	"errors"
)

var (
	ErrDestroyed    = errors.New("keymat: material has been destroyed")
	ErrInvalidParam = errors.New("keymat: invalid key material parameter")
)

// KeyMaterial is a (Key, IV, Info) triple.
type KeyMaterial struct {
	key       []byte
	iv        []byte
	info      []byte
	destroyed bool
}

// New copies the supplied buffers into a fresh KeyMaterial.
// Any of the slices may be empty.
func New(key, iv, info []byte) *KeyMaterial {
	km := &KeyMaterial{
		key:  append([]byte(nil), key...),
		iv:   append([]byte(nil), iv...),
		info: append([]byte(nil), info...),
	}
	lockBuffer(km.key)
	return km
}

// Key returns the key bytes. The caller must not retain the slice past the
// lifetime of the material.
func (km *KeyMaterial) Key() []byte { return km.key }

// IV returns the initialization vector bytes.
func (km *KeyMaterial) IV() []byte { return km.iv }

// Info returns the personalization bytes.
func (km *KeyMaterial) Info() []byte { return km.info }

// KeySize returns the key length in bytes.
func (km *KeyMaterial) KeySize() int { return len(km.key) }

// IVSize returns the IV length in bytes.
func (km *KeyMaterial) IVSize() int { return len(km.iv) }

// IsDestroyed reports whether Destroy has been called.
func (km *KeyMaterial) IsDestroyed() bool { return km.destroyed }

// Clone returns an independent copy of the material. The clone has its own
// backing storage and its own Destroy obligation.
func (km *KeyMaterial) Clone() *KeyMaterial {
	return New(km.key, km.iv, km.info)
}

// Equal compares two materials in constant time over all three fields.
func (km *KeyMaterial) Equal(other *KeyMaterial) bool {
	if other == nil {
		return false
	}
	if len(km.key) != len(other.key) || len(km.iv) != len(other.iv) || len(km.info) != len(other.info) {
		return false
	}
	v := subtle.ConstantTimeCompare(km.key, other.key)
	v &= subtle.ConstantTimeCompare(km.iv, other.iv)
	v &= subtle.ConstantTimeCompare(km.info, other.info)
	return v == 1
}

// Destroy zeroizes the key, IV and info buffers. Safe to call more than
// once; only the first call does work.
func (km *KeyMaterial) Destroy() {
	if km.destroyed {
		return
	}
	unlockBuffer(km.key)
	Zero(km.key)
	Zero(km.iv)
	Zero(km.info)
	km.destroyed = true
}
