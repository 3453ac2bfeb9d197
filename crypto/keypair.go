package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

const (
	rsaKeyBits = 2048

	rsaPrivatePEMType = "RSA PRIVATE KEY"
	publicPEMType     = "PUBLIC KEY"
)

// EnsureRSAKeyPair loads an RSA keypair from disk, generating it on first run.
func EnsureRSAKeyPair(privatePath, publicPath string) (*rsa.PrivateKey, error) {
	privateKey, err := LoadRSAPrivateKey(privatePath)
	if err == nil {
		storedPublic, pubErr := os.ReadFile(publicPath)
		if pubErr != nil || strings.TrimSpace(string(storedPublic)) != strings.TrimSpace(EncodePublicKeyPEM(&privateKey.PublicKey)) {
			if err := SaveRSAPublicKey(publicPath, &privateKey.PublicKey); err != nil {
				return nil, err
			}
		}

		return privateKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	privateKey, err = rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA keypair: %w", err)
	}

	if err := SaveRSAPrivateKey(privatePath, privateKey); err != nil {
		return nil, err
	}
	if err := SaveRSAPublicKey(publicPath, &privateKey.PublicKey); err != nil {
		return nil, err
	}

	return privateKey, nil
}

// LoadRSAPrivateKey loads an RSA private key from a PKCS#1 PEM file.
func LoadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read RSA private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode RSA private PEM: no PEM block")
	}
	if block.Type != rsaPrivatePEMType {
		return nil, fmt.Errorf("decode RSA private PEM: unexpected type %q", block.Type)
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse RSA private key: %w", err)
	}

	return privateKey, nil
}

// SaveRSAPrivateKey writes an RSA private key PEM file with 0600 permissions.
func SaveRSAPrivateKey(path string, key *rsa.PrivateKey) error {
	block := &pem.Block{
		Type:  rsaPrivatePEMType,
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write RSA private key: %w", err)
	}

	return nil
}

// SaveRSAPublicKey writes an RSA public key PEM file.
func SaveRSAPublicKey(path string, key *rsa.PublicKey) error {
	if err := os.WriteFile(path, []byte(EncodePublicKeyPEM(key)), 0o644); err != nil {
		return fmt.Errorf("write RSA public key: %w", err)
	}

	return nil
}

// EncodePublicKeyPEM renders an RSA public key as a PKIX PEM string, the
// form published in the shared userlist.
func EncodePublicKeyPEM(key *rsa.PublicKey) string {
	raw, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		// Marshaling an in-memory RSA public key cannot fail.
		panic(fmt.Sprintf("marshal RSA public key: %v", err))
	}

	block := &pem.Block{
		Type:  publicPEMType,
		Bytes: raw,
	}
	return string(pem.EncodeToMemory(block))
}

// ParsePublicKeyPEM parses a PKIX PEM string back into an RSA public key.
func ParsePublicKeyPEM(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("decode public PEM: no PEM block")
	}
	if block.Type != publicPEMType {
		return nil, fmt.Errorf("decode public PEM: unexpected type %q", block.Type)
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	publicKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("parse public key: not an RSA key")
	}

	return publicKey, nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(key *rsa.PublicKey) string {
	sum := sha256.Sum256([]byte(EncodePublicKeyPEM(key)))
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}
