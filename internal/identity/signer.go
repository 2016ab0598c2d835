package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

// TokenSigner signs ID tokens with a persistent RSA key and publishes the
// matching JWKS.
type TokenSigner struct {
	key   *rsa.PrivateKey
	keyID string
}

// NewTokenSigner loads the RSA signing key from keyPath, generating and
// saving a 2048-bit key (plus a stable key ID alongside it) on first use.
// An empty keyPath generates an ephemeral key.
func NewTokenSigner(keyPath string) (*TokenSigner, error) {
	key, keyID, err := loadOrGenerateSigningKey(keyPath)
	if err != nil {
		return nil, err
	}
	return &TokenSigner{key: key, keyID: keyID}, nil
}

// Sign serializes claims into a compact RS256 JWT.
func (s *TokenSigner) Sign(claims any) (string, error) {
	jwk := &jose.JSONWebKey{Key: s.key, Algorithm: string(jose.RS256), KeyID: s.keyID}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: jwk}, nil)
	if err != nil {
		return "", fmt.Errorf("create token signer: %w", err)
	}
	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// JWKS returns the public key set clients use to verify ID tokens.
func (s *TokenSigner) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       &s.key.PublicKey,
			KeyID:     s.keyID,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}},
	}
}

// loadOrGenerateSigningKey loads a PEM-encoded RSA key and its ID from
// disk, or generates and saves both if they do not exist yet.
func loadOrGenerateSigningKey(keyPath string) (*rsa.PrivateKey, string, error) {
	if keyPath == "" {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		return key, uuid.NewString(), err
	}

	keyIDPath := keyPath + ".kid"

	keyData, err := os.ReadFile(keyPath)
	if err == nil {
		block, _ := pem.Decode(keyData)
		if block == nil || block.Type != "RSA PRIVATE KEY" {
			return nil, "", fmt.Errorf("invalid PEM block in signing key")
		}
		privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, "", fmt.Errorf("parse signing key: %w", err)
		}
		keyIDData, err := os.ReadFile(keyIDPath)
		if err != nil {
			return nil, "", fmt.Errorf("read key ID file: %w", err)
		}
		keyID := strings.TrimSpace(string(keyIDData))
		if keyID == "" {
			return nil, "", fmt.Errorf("key ID file is empty")
		}
		return privateKey, keyID, nil
	}
	if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("read signing key file: %w", err)
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, "", fmt.Errorf("generate signing key: %w", err)
	}
	keyID := uuid.NewString()

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return nil, "", fmt.Errorf("save signing key to disk: %w", err)
	}
	if err := os.WriteFile(keyIDPath, []byte(keyID), 0600); err != nil {
		return nil, "", fmt.Errorf("save key ID to disk: %w", err)
	}
	return privateKey, keyID, nil
}
