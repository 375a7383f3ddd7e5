package didauth

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the short-lived bearer token issued after a successful DID-WBA
// admission, per spec §4.6 step 6. Presenting it on a later HTTP request
// is an orthogonal optimization — it never substitutes for tunnel
// admission itself (spec §9 Open Question decision).
type Claims struct {
	jwt.RegisteredClaims
	DID string `json:"did"`
}

// TokenIssuer issues and verifies RS256 bearer tokens scoped to one
// authenticated DID. Grounded on common/auth.py's AuthManager.create_token
// / verify_token, upgraded from the source's HS256 shared secret to the
// RS256 keypair spec §6's jwt.algorithm names.
type TokenIssuer struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	ttl        time.Duration
	issuer     string
}

// NewTokenIssuer creates a TokenIssuer. ttl defaults to 3600s (spec
// §6 jwt.ttl_seconds default) when <= 0.
func NewTokenIssuer(priv *rsa.PrivateKey, pub *rsa.PublicKey, ttl time.Duration, issuer string) *TokenIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{privateKey: priv, publicKey: pub, ttl: ttl, issuer: issuer}
}

// Issue mints a signed token for did, valid for the issuer's configured
// ttl.
func (t *TokenIssuer) Issue(did string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   did,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
		DID: did,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(t.privateKey)
}

// Verify validates a bearer token and returns its DID subject.
func (t *TokenIssuer) Verify(raw string) (string, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("didauth: unexpected signing method %v", tok.Header["alg"])
		}
		return t.publicKey, nil
	})
	if err != nil {
		return "", err
	}
	return claims.DID, nil
}
