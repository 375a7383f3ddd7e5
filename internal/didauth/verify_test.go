package didauth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/anpxtunnel/gateway/internal/directory"
)

const testDomain = "gateway.example.com"

func newTestVerifier(t *testing.T, did, vm string, pub ed25519.PublicKey, serviceURLs []string) *Verifier {
	t.Helper()
	resolver := NewStaticResolver(map[string]*Document{
		did: {DID: did, VerificationMethods: map[string]ed25519.PublicKey{vm: pub}},
	})
	sd := directory.NewStaticDirectory(map[string][]string{did: serviceURLs})
	return NewVerifier(resolver, sd, Config{})
}

func signedHeader(did, vm string, priv ed25519.PrivateKey, nonce string, ts int64, domain string) *AuthHeader {
	h := &AuthHeader{DID: did, Nonce: nonce, Timestamp: ts, VerificationMethod: vm}
	sig := ed25519.Sign(priv, signingBytes(h, domain))
	h.Signature = base64.StdEncoding.EncodeToString(sig)
	return h
}

func TestAdmitSucceeds(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	did, vm := "did:example:1", "key-1"
	v := newTestVerifier(t, did, vm, pub, []string{testDomain + "/api"})

	h := signedHeader(did, vm, priv, "nonce-1", time.Now().Unix(), testDomain)
	result, err := v.Admit(context.Background(), h, testDomain)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if result.DID != did || len(result.ServiceURLs) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestAdmitRejectsBadSignature(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	did, vm := "did:example:1", "key-1"
	v := newTestVerifier(t, did, vm, pub, []string{testDomain + "/api"})

	h := signedHeader(did, vm, priv, "nonce-1", time.Now().Unix(), "wrong.domain.com")
	_, err := v.Admit(context.Background(), h, testDomain)
	if _, ok := err.(*ErrSignatureInvalid); !ok {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestAdmitRejectsStaleTimestamp(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	did, vm := "did:example:1", "key-1"
	v := newTestVerifier(t, did, vm, pub, []string{testDomain + "/api"})

	h := signedHeader(did, vm, priv, "nonce-1", time.Now().Add(-time.Hour).Unix(), testDomain)
	_, err := v.Admit(context.Background(), h, testDomain)
	if _, ok := err.(*ErrTimestampOutOfWindow); !ok {
		t.Fatalf("expected ErrTimestampOutOfWindow, got %v", err)
	}
}

func TestAdmitRejectsReplayedNonce(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	did, vm := "did:example:1", "key-1"
	v := newTestVerifier(t, did, vm, pub, []string{testDomain + "/api"})

	h := signedHeader(did, vm, priv, "nonce-1", time.Now().Unix(), testDomain)
	if _, err := v.Admit(context.Background(), h, testDomain); err != nil {
		t.Fatalf("first admission should succeed: %v", err)
	}
	h2 := signedHeader(did, vm, priv, "nonce-1", time.Now().Unix(), testDomain)
	_, err := v.Admit(context.Background(), h2, testDomain)
	if _, ok := err.(*ErrReplayedNonce); !ok {
		t.Fatalf("expected ErrReplayedNonce, got %v", err)
	}
}

func TestAdmitRejectsEmptyServiceList(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	did, vm := "did:example:1", "key-1"
	v := newTestVerifier(t, did, vm, pub, nil)

	h := signedHeader(did, vm, priv, "nonce-1", time.Now().Unix(), testDomain)
	_, err := v.Admit(context.Background(), h, testDomain)
	if _, ok := err.(*ErrEmptyServiceList); !ok {
		t.Fatalf("expected ErrEmptyServiceList, got %v", err)
	}
}

func TestParseAuthHeaderRoundTrip(t *testing.T) {
	raw := fmt.Sprintf(`DIDWba did="did:example:1",nonce="abc",timestamp="%d",verification_method="key-1",signature="c2ln"`, time.Now().Unix())
	h, err := ParseAuthHeader(raw)
	if err != nil {
		t.Fatalf("ParseAuthHeader: %v", err)
	}
	if h.DID != "did:example:1" || h.Nonce != "abc" || h.VerificationMethod != "key-1" || h.Signature != "c2ln" {
		t.Fatalf("unexpected parse result: %+v", h)
	}
}

func TestParseAuthHeaderRejectsWrongScheme(t *testing.T) {
	_, err := ParseAuthHeader(`Bearer sometoken`)
	if err == nil {
		t.Fatalf("expected an error for non-DIDWba scheme")
	}
}
