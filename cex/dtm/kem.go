package dtm

import (
	"bytes"
	"crypto/mlkem"

	"github.com/samber/oops"
)

// Asymmetric parameter identifiers carried in Identity.PkeID and
// Parameters.{AuthPkeID, PrimaryPkeID}.
var (
	PkeMlKem768  = []byte("MLKEM768")
	PkeMlKem1024 = []byte("MLKEM1024")
)

// kemScheme is the key encapsulation interface the exchange drives. The
// encapsulation shared key doubles as the phase's symmetric session seed.
type kemScheme interface {
	ID() []byte
	PublicKeySize() int
	CiphertextSize() int
	GenerateKeyPair() (kemPrivate, []byte, error)
	Encapsulate(peerPublic []byte) (shared, ciphertext []byte, err error)
}

// kemPrivate is the decapsulation half of a generated keypair.
type kemPrivate interface {
	Decapsulate(ciphertext []byte) ([]byte, error)
	Destroy()
}

func kemByID(id []byte) (kemScheme, error) {
	switch {
	case bytes.Equal(id, PkeMlKem768):
		return kem768{}, nil
	case bytes.Equal(id, PkeMlKem1024):
		return kem1024{}, nil
	default:
		return nil, oops.Errorf("dtm: unknown asymmetric parameter id %q", string(id))
	}
}

type kem768 struct{}

func (kem768) ID() []byte { return PkeMlKem768 }

func (kem768) PublicKeySize() int { return mlkem.EncapsulationKeySize768 }

func (kem768) CiphertextSize() int { return mlkem.CiphertextSize768 }

func (kem768) GenerateKeyPair() (kemPrivate, []byte, error) {
	dk, err := mlkem.GenerateKey768()
	if err != nil {
		return nil, nil, err
	}
	return &kemPrivate768{dk: dk}, dk.EncapsulationKey().Bytes(), nil
}

func (kem768) Encapsulate(peerPublic []byte) ([]byte, []byte, error) {
	ek, err := mlkem.NewEncapsulationKey768(peerPublic)
	if err != nil {
		return nil, nil, ErrAuthenticationFailed
	}
	shared, ct := ek.Encapsulate()
	return shared, ct, nil
}

type kemPrivate768 struct{ dk *mlkem.DecapsulationKey768 }

func (k *kemPrivate768) Decapsulate(ct []byte) ([]byte, error) {
	shared, err := k.dk.Decapsulate(ct)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return shared, nil
}

func (k *kemPrivate768) Destroy() { k.dk = nil }

type kem1024 struct{}

func (kem1024) ID() []byte { return PkeMlKem1024 }

func (kem1024) PublicKeySize() int { return mlkem.EncapsulationKeySize1024 }

func (kem1024) CiphertextSize() int { return mlkem.CiphertextSize1024 }

func (kem1024) GenerateKeyPair() (kemPrivate, []byte, error) {
	dk, err := mlkem.GenerateKey1024()
	if err != nil {
		return nil, nil, err
	}
	return &kemPrivate1024{dk: dk}, dk.EncapsulationKey().Bytes(), nil
}

func (kem1024) Encapsulate(peerPublic []byte) ([]byte, []byte, error) {
	ek, err := mlkem.NewEncapsulationKey1024(peerPublic)
	if err != nil {
		return nil, nil, ErrAuthenticationFailed
	}
	shared, ct := ek.Encapsulate()
	return shared, ct, nil
}

type kemPrivate1024 struct{ dk *mlkem.DecapsulationKey1024 }

func (k *kemPrivate1024) Decapsulate(ct []byte) ([]byte, error) {
	shared, err := k.dk.Decapsulate(ct)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return shared, nil
}

func (k *kemPrivate1024) Destroy() { k.dk = nil }
