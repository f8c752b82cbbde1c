// Package kdf derives keying material: PBKDF2 for password inputs, HKDF for
// shared secrets, and a digest-compression KeyGenerator for fresh keys.
package kdf

import (
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"github.com/vtdev/cex/cex/primitive"
)

var ErrUnsupportedDigest = errors.New("kdf: unsupported digest kind")

// PBKDF2 derives length bytes from a password and salt with the named digest
// as the HMAC core.
func PBKDF2(digest primitive.DigestKind, password, salt []byte, iterations, length int) ([]byte, error) {
	ctor, ok := primitive.HashConstructor(digest)
	if !ok {
		return nil, ErrUnsupportedDigest
	}
	return pbkdf2.Key(password, salt, iterations, length, ctor), nil
}

// HKDF expands a secret into length bytes bound to the info context.
// A nil salt selects the all-zero salt.
func HKDF(digest primitive.DigestKind, secret, salt, info []byte, length int) ([]byte, error) {
	ctor, ok := primitive.HashConstructor(digest)
	if !ok {
		return nil, ErrUnsupportedDigest
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(ctor, secret, salt, info), out); err != nil {
		return nil, err
	}
	return out, nil
}
