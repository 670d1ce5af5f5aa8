package gateway

import (
	"crypto/x509"

	"github.com/wasmbed/wasmbed/pkg/identity"
)

// fingerprintPublicKey derives a device's stable identity from its raw
// public key bytes. See pkg/identity for the shared implementation the
// Device Controller also uses to recompute this value from a Device
// resource's stored spec.publicKey.
func fingerprintPublicKey(pubKey []byte) string {
	return identity.Fingerprint(pubKey)
}

// fingerprintPeerCertificate derives the same identity from a verified TLS
// client certificate's public key, for the mutual-TLS admission path.
func fingerprintPeerCertificate(cert *x509.Certificate) (string, error) {
	return identity.FingerprintCertificate(cert)
}
