package licence

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
)

// PublicKeyFileName is the verification key expected next to the server.
const PublicKeyFileName = "public_key.pem"

// Verifier checks licence signatures against a fixed RSA public key.
// The key is parsed once at construction and shared by reference; it is
// never re-read on the hot path.
type Verifier struct {
	key *rsa.PublicKey
}

// NewVerifier parses a PEM-encoded RSA public key (PKIX or PKCS#1).
func NewVerifier(pemBytes []byte) (*Verifier, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in public key")
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, want RSA", pub)
		}
		return &Verifier{key: rsaKey}, nil
	}
	rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return &Verifier{key: rsaKey}, nil
}

// NewVerifierFromFile loads the public key from path.
func NewVerifierFromFile(path string) (*Verifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return NewVerifier(data)
}

// Verify reports whether the document's Code element holds a valid
// PKCS#1 v1.5 signature (SHA-1 digest) over the canonical form with
// Code emptied. Structural problems and decode failures yield false,
// never an error.
func (v *Verifier) Verify(doc *Node) bool {
	code := doc.Find(elemCode)
	if code == nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(code.Text))
	if err != nil {
		return false
	}
	digest := CanonicalDigest(doc)
	return rsa.VerifyPKCS1v15(v.key, crypto.SHA1, digest[:], sig) == nil
}

// VerifyLicence rebuilds the canonical document from licence fields and
// verifies it; used for re-validation of rows read from the store.
func (v *Verifier) VerifyLicence(l *Licence) bool {
	return v.Verify(l.ToDocument())
}
