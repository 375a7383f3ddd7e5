package didauth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

// Signer builds signed DIDWba Authorization header values for a single
// DID's verification method. The counterpart of Verifier.Admit — used by
// a receiver dialing a gateway, never by the gateway itself.
type Signer struct {
	did                string
	verificationMethod string
	privateKey         ed25519.PrivateKey
}

// NewSigner creates a Signer bound to one DID and verification method.
func NewSigner(did, verificationMethod string, priv ed25519.PrivateKey) *Signer {
	return &Signer{did: did, verificationMethod: verificationMethod, privateKey: priv}
}

// SignHeader builds a fresh, single-use Authorization header value bound
// to domain, using a random nonce and the current timestamp.
func (s *Signer) SignHeader(domain string) (string, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", fmt.Errorf("didauth: generating nonce: %w", err)
	}
	nonce := hex.EncodeToString(nonceBytes)
	timestamp := time.Now().Unix()

	header := &AuthHeader{
		DID:                s.did,
		Nonce:              nonce,
		Timestamp:          timestamp,
		VerificationMethod: s.verificationMethod,
	}
	sig := ed25519.Sign(s.privateKey, signingBytes(header, domain))
	header.Signature = base64.StdEncoding.EncodeToString(sig)

	return fmt.Sprintf("%s did=%q,nonce=%q,timestamp=%q,verification_method=%q,signature=%q",
		authScheme, header.DID, header.Nonce, fmt.Sprintf("%d", header.Timestamp), header.VerificationMethod, header.Signature), nil
}
