package didauth

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/anpxtunnel/gateway/internal/directory"
)

func TestSignerHeaderVerifiesSuccessfully(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	did, vm := "did:example:receiver-1", "key-1"

	signer := NewSigner(did, vm, priv)
	raw, err := signer.SignHeader(testDomain)
	if err != nil {
		t.Fatalf("SignHeader: %v", err)
	}

	parsed, err := ParseAuthHeader(raw)
	if err != nil {
		t.Fatalf("ParseAuthHeader: %v", err)
	}
	if parsed.DID != did || parsed.VerificationMethod != vm {
		t.Fatalf("unexpected parsed header: %+v", parsed)
	}

	resolver := NewStaticResolver(map[string]*Document{
		did: {DID: did, VerificationMethods: map[string]ed25519.PublicKey{vm: pub}},
	})
	sd := directory.NewStaticDirectory(map[string][]string{did: {testDomain + "/api"}})
	v := NewVerifier(resolver, sd, Config{})

	result, err := v.Admit(context.Background(), parsed, testDomain)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if result.DID != did {
		t.Fatalf("got DID %q, want %q", result.DID, did)
	}
}

func TestSignerHeaderFailsAgainstWrongDomain(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	did, vm := "did:example:receiver-1", "key-1"

	signer := NewSigner(did, vm, priv)
	raw, err := signer.SignHeader(testDomain)
	if err != nil {
		t.Fatalf("SignHeader: %v", err)
	}
	parsed, _ := ParseAuthHeader(raw)

	resolver := NewStaticResolver(map[string]*Document{
		did: {DID: did, VerificationMethods: map[string]ed25519.PublicKey{vm: pub}},
	})
	sd := directory.NewStaticDirectory(map[string][]string{did: {"other.example.com/api"}})
	v := NewVerifier(resolver, sd, Config{})

	if _, err := v.Admit(context.Background(), parsed, "other.example.com"); err == nil {
		t.Fatalf("expected signature verification to fail against a different domain")
	}
}

func TestSignerGeneratesFreshNonces(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	signer := NewSigner("did:example:1", "key-1", priv)

	raw1, _ := signer.SignHeader(testDomain)
	raw2, _ := signer.SignHeader(testDomain)
	h1, _ := ParseAuthHeader(raw1)
	h2, _ := ParseAuthHeader(raw2)

	if h1.Nonce == h2.Nonce {
		t.Fatalf("expected distinct nonces across calls")
	}
}
