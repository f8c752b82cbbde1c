package quic

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"time"
)

// ALPN identifies the DTM session protocol.
const ALPN = "cex-dtm/1"

// newSelfSignedTLSConfig builds a throwaway ed25519 identity for the QUIC
// handshake. The certificate is never verified against a PKI: the DTM
// exchange authenticates the peer, so both sides skip verification and the
// certificate only has to satisfy QUIC's TLS 1.3 requirement. Each Listen
// and each Dial mints a fresh key (connections accepted by one listener
// share its key), so there is nothing to persist or rotate.
func newSelfSignedTLSConfig() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}
	tpl := x509.Certificate{
		SerialNumber: serial,
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tpl, &tpl, pub, priv)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  priv,
		}},
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{ALPN},
		InsecureSkipVerify: true,
	}, nil
}
