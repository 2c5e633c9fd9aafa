// Package signer holds the service signing keypair and issues and verifies
// EdDSA-signed tokens. The private key never leaves this package.
package signer

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	kid  string
}

// NewFromFiles loads a PEM-encoded ed25519 keypair from disk.
func NewFromFiles(privKeyFile, pubKeyFile, kid string) (*Signer, error) {
	privPEM, err := os.ReadFile(privKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	pubPEM, err := os.ReadFile(pubKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}

	return NewFromPEM(privPEM, pubPEM, kid)
}

// NewFromPEM parses a PKCS8 private key and a PKIX public key.
func NewFromPEM(privPEM, pubPEM []byte, kid string) (*Signer, error) {
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key")
	}
	privAny, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := privAny.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not ed25519")
	}

	block, _ = pem.Decode(pubPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in public key")
	}
	pubAny, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := pubAny.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not ed25519")
	}

	return NewFromKeys(priv, pub, kid), nil
}

func NewFromKeys(priv ed25519.PrivateKey, pub ed25519.PublicKey, kid string) *Signer {
	return &Signer{
		priv: priv,
		pub:  pub,
		kid:  kid,
	}
}

// Sign produces a compact EdDSA JWT over claims with the key id header set.
func (s *Signer) Sign(claims jwt.Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = s.kid

	signed, err := tok.SignedString(s.priv)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return signed, nil
}

// Verify checks the token signature against the public key and decodes its
// payload into claims. Tokens carrying an exp claim are rejected once past it.
func (s *Signer) Verify(token string, claims jwt.Claims) error {
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.pub, nil
	})
	if err != nil {
		return fmt.Errorf("verify token: %w", err)
	}
	if !parsed.Valid {
		return fmt.Errorf("invalid token")
	}

	return nil
}
