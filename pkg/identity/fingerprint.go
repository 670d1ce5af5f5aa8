// Package identity derives a device's stable identity fingerprint from
// either a raw public key or a verified TLS peer certificate. It is shared
// by pkg/gateway (which derives the fingerprint at enrollment/handshake
// time) and the Device Controller (which must recompute the same value
// from a Device resource's stored spec.publicKey to match it against a
// Gateway's /sessions snapshot, keyed by this fingerprint).
package identity

import (
	"crypto/x509"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Fingerprint derives a device's stable identity from its raw public key
// bytes: a hex-encoded SHA3-256 digest.
func Fingerprint(pubKey []byte) string {
	sum := sha3.Sum256(pubKey)
	return hex.EncodeToString(sum[:])
}

// FingerprintCertificate derives the same identity from a verified TLS
// client certificate's public key, for the mutual-TLS admission path.
func FingerprintCertificate(cert *x509.Certificate) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return "", fmt.Errorf("marshal peer public key: %w", err)
	}
	return Fingerprint(der), nil
}
