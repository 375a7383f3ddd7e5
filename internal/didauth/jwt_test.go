package didauth

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestKeypair(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	return priv, &priv.PublicKey
}

func TestTokenIssuerRoundTrip(t *testing.T) {
	priv, pub := newTestKeypair(t)
	issuer := NewTokenIssuer(priv, pub, time.Minute, "gateway")

	token, err := issuer.Issue("did:example:1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	did, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if did != "did:example:1" {
		t.Fatalf("got did %q, want did:example:1", did)
	}
}

func TestTokenIssuerRejectsExpired(t *testing.T) {
	priv, pub := newTestKeypair(t)
	issuer := NewTokenIssuer(priv, pub, time.Minute, "gateway")
	issuer.ttl = -time.Minute // NewTokenIssuer replaces ttl <= 0 with the 1h default

	token, err := issuer.Issue("did:example:1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := issuer.Verify(token); err == nil {
		t.Fatalf("expected an error verifying an already-expired token")
	}
}

func TestTokenIssuerRejectsWrongSigningMethod(t *testing.T) {
	priv, pub := newTestKeypair(t)
	issuer := NewTokenIssuer(priv, pub, time.Minute, "gateway")

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "did:example:1"},
		DID:              "did:example:1",
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte("some-shared-secret"))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	if _, err := issuer.Verify(signed); err == nil {
		t.Fatalf("expected HS256 token to be rejected by an RS256-only verifier")
	}
}

func TestTokenIssuerDefaultTTL(t *testing.T) {
	priv, pub := newTestKeypair(t)
	issuer := NewTokenIssuer(priv, pub, 0, "gateway")
	if issuer.ttl != time.Hour {
		t.Fatalf("expected default ttl of 1h, got %s", issuer.ttl)
	}
}
