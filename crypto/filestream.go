package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	fileKeySize = 32
	fileIVSize  = aes.BlockSize

	fileStreamInfo = "sumchat file stream v1"
)

// DeriveFileStreamKey derives the AES-256-CTR key and IV for one file
// transfer from its file id. The id only ever travels inside a sealed
// envelope, so both ends derive the identical key without any handshake.
func DeriveFileStreamKey(fileID string) (key, iv []byte, err error) {
	if fileID == "" {
		return nil, nil, fmt.Errorf("derive file stream key: empty file id")
	}

	reader := hkdf.New(sha256.New, []byte(fileID), nil, []byte(fileStreamInfo))
	material := make([]byte, fileKeySize+fileIVSize)
	if _, err := io.ReadFull(reader, material); err != nil {
		return nil, nil, fmt.Errorf("derive file stream key: %w", err)
	}

	return material[:fileKeySize], material[fileKeySize:], nil
}

// NewFileStreamWriter wraps w so that plaintext written to it is AES-CTR
// encrypted and base64 encoded, the wire form of a file transfer response.
// Close flushes the base64 encoder and must be called.
func NewFileStreamWriter(w io.Writer, fileID string) (io.WriteCloser, error) {
	stream, err := fileStreamCipher(fileID)
	if err != nil {
		return nil, err
	}

	encoder := base64.NewEncoder(base64.StdEncoding, w)
	return &fileStreamWriter{
		stream:  cipher.StreamWriter{S: stream, W: encoder},
		encoder: encoder,
	}, nil
}

// NewFileStreamReader wraps r so that reads yield the decrypted plaintext
// of a base64 encoded AES-CTR file stream.
func NewFileStreamReader(r io.Reader, fileID string) (io.Reader, error) {
	stream, err := fileStreamCipher(fileID)
	if err != nil {
		return nil, err
	}

	decoder := base64.NewDecoder(base64.StdEncoding, r)
	return cipher.StreamReader{S: stream, R: decoder}, nil
}

func fileStreamCipher(fileID string) (cipher.Stream, error) {
	key, iv, err := DeriveFileStreamKey(fileID)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}

	return cipher.NewCTR(block, iv), nil
}

type fileStreamWriter struct {
	stream  cipher.StreamWriter
	encoder io.WriteCloser
}

func (w *fileStreamWriter) Write(p []byte) (int, error) {
	return w.stream.Write(p)
}

func (w *fileStreamWriter) Close() error {
	return w.encoder.Close()
}
