// Package scope verifies delivery capability scopes. Callers either
// pass a plain scope list or a signed scope token; tokens use Ed25519
// (EdDSA) and carry the granted scopes as a claim.
package scope

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims extends jwt.RegisteredClaims with the granted scope list.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Scopes   []string `json:"scopes"`
}

// MaxTokenTTL is the maximum lifetime of an issued scope token.
const MaxTokenTTL = time.Hour

// Verifier validates scope tokens and answers scope checks.
type Verifier struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewVerifier loads an Ed25519 key pair from PEM files. Empty paths
// generate an ephemeral pair, which also enables Issue for development
// and tests.
func NewVerifier(privateKeyPath, publicKeyPath string) (*Verifier, error) {
	if privateKeyPath == "" && publicKeyPath == "" {
		slog.Warn("scope: no key files configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("scope: generate key pair: %w", err)
		}
		return &Verifier{privateKey: priv, publicKey: pub}, nil
	}

	v := &Verifier{}
	if publicKeyPath != "" {
		pubPEM, err := os.ReadFile(publicKeyPath) //nolint:gosec // paths come from validated config, not user input
		if err != nil {
			return nil, fmt.Errorf("scope: read public key: %w", err)
		}
		block, _ := pem.Decode(pubPEM)
		if block == nil {
			return nil, fmt.Errorf("scope: decode public key PEM")
		}
		pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("scope: parse public key: %w", err)
		}
		edPub, ok := pubKey.(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("scope: public key is not Ed25519")
		}
		v.publicKey = edPub
	}
	if privateKeyPath != "" {
		privPEM, err := os.ReadFile(privateKeyPath) //nolint:gosec // paths come from validated config, not user input
		if err != nil {
			return nil, fmt.Errorf("scope: read private key: %w", err)
		}
		block, _ := pem.Decode(privPEM)
		if block == nil {
			return nil, fmt.Errorf("scope: decode private key PEM")
		}
		privKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("scope: parse private key: %w", err)
		}
		edPriv, ok := privKey.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("scope: private key is not Ed25519")
		}
		v.privateKey = edPriv
		if v.publicKey == nil {
			v.publicKey = edPriv.Public().(ed25519.PublicKey)
		} else if derived := edPriv.Public().(ed25519.PublicKey); !bytes.Equal(derived, v.publicKey) {
			return nil, fmt.Errorf("scope: public key does not match private key")
		}
	}
	if v.publicKey == nil {
		return nil, fmt.Errorf("scope: no public key available")
	}
	return v, nil
}

// Issue creates a signed scope token. Requires a private key; TTL is
// capped at MaxTokenTTL.
func (v *Verifier) Issue(tenantID string, scopes []string, ttl time.Duration) (string, time.Time, error) {
	if v.privateKey == nil {
		return "", time.Time{}, fmt.Errorf("scope: no private key configured")
	}
	if ttl <= 0 || ttl > MaxTokenTTL {
		ttl = MaxTokenTTL
	}

	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tenantID,
			Issuer:    "youyaku",
			Audience:  jwt.ClaimStrings{"youyaku"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		TenantID: tenantID,
		Scopes:   scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(v.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("scope: sign token: %w", err)
	}
	return signed, exp, nil
}

// Validate parses and validates a scope token, returning its claims.
func (v *Verifier) Validate(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("scope: unexpected signing method: %v", token.Header["alg"])
			}
			return v.publicKey, nil
		},
		jwt.WithAudience("youyaku"),
	)
	if err != nil {
		return nil, fmt.Errorf("scope: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("scope: invalid token claims")
	}
	if claims.Issuer != "youyaku" {
		return nil, fmt.Errorf("scope: invalid issuer: %s", claims.Issuer)
	}
	return claims, nil
}

// Allowed reports whether the caller holds required. A non-empty token
// takes precedence over the plain scope list; an invalid token denies.
func (v *Verifier) Allowed(tokenStr string, scopes []string, required string) bool {
	if required == "" {
		return true
	}
	if tokenStr != "" {
		claims, err := v.Validate(tokenStr)
		if err != nil {
			slog.Warn("scope: token rejected", "error", err)
			return false
		}
		scopes = claims.Scopes
	}
	return Has(scopes, required)
}

// Has reports whether scopes contains required or the wildcard "*".
func Has(scopes []string, required string) bool {
	for _, s := range scopes {
		if s == required || s == "*" {
			return true
		}
	}
	return false
}
