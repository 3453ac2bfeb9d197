package crypto

import (
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrDecrypt indicates an envelope that could not be decrypted with
	// the local private key.
	ErrDecrypt = errors.New("crypto: envelope decryption failed")
	// ErrMalformedPayload indicates a decrypted envelope that is not a
	// well-formed message.
	ErrMalformedPayload = errors.New("crypto: malformed envelope payload")
)

// Envelope carries only the type tag of a decrypted payload.
type Envelope struct {
	Kind string `json:"type"`
}

// Seal serializes payload to JSON and encrypts it with the recipient's
// public key. Payloads longer than one OAEP block are split into blocks,
// so any chat-sized message fits; file contents never travel this way.
func Seal(recipientKey *rsa.PublicKey, payload any) ([]byte, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope payload: %w", err)
	}

	blockSize := recipientKey.Size() - 2*sha256.Size - 2
	if blockSize <= 0 {
		return nil, fmt.Errorf("seal envelope: key too small (%d bytes)", recipientKey.Size())
	}

	ciphertext := make([]byte, 0, ((len(plaintext)/blockSize)+1)*recipientKey.Size())
	for len(plaintext) > 0 {
		n := blockSize
		if n > len(plaintext) {
			n = len(plaintext)
		}

		block, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, recipientKey, plaintext[:n], nil)
		if err != nil {
			return nil, fmt.Errorf("seal envelope block: %w", err)
		}
		ciphertext = append(ciphertext, block...)
		plaintext = plaintext[n:]
	}

	return ciphertext, nil
}

// Open decrypts a sealed envelope and parses the payload. It returns
// ErrDecrypt on cryptographic failure and ErrMalformedPayload when the
// decrypted bytes are not a message with a known type tag.
func Open(privateKey *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	keySize := privateKey.Size()
	if len(ciphertext) == 0 || len(ciphertext)%keySize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrDecrypt, len(ciphertext))
	}

	plaintext := make([]byte, 0, len(ciphertext))
	for offset := 0; offset < len(ciphertext); offset += keySize {
		block, err := rsa.DecryptOAEP(sha256.New(), nil, privateKey, ciphertext[offset:offset+keySize], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
		}
		plaintext = append(plaintext, block...)
	}

	var envelope Envelope
	if err := json.Unmarshal(plaintext, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if envelope.Kind == "" {
		return nil, fmt.Errorf("%w: missing type field", ErrMalformedPayload)
	}

	return plaintext, nil
}

// Sign returns the base64 RSA-PSS signature over data.
func Sign(privateKey *rsa.PrivateKey, data []byte) (string, error) {
	digest := sha256.Sum256(data)
	signature, err := rsa.SignPSS(rand.Reader, privateKey, stdcrypto.SHA256, digest[:], nil)
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(signature), nil
}

// Verify checks a base64 RSA-PSS signature over data.
func Verify(publicKey *rsa.PublicKey, data []byte, signatureBase64 string) bool {
	signature, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return false
	}

	digest := sha256.Sum256(data)
	return rsa.VerifyPSS(publicKey, stdcrypto.SHA256, digest[:], signature, nil) == nil
}
