// Package crypto provides AES-256-GCM field-level encryption for owner
// contact details (phone numbers, email addresses) stored at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

// FieldCipher encrypts and decrypts individual column values. Ciphertexts
// are base64 strings with the GCM nonce prepended, so each value is
// self-contained and no nonce bookkeeping is needed.
type FieldCipher struct {
	aead cipher.AEAD
}

// New creates a FieldCipher from a 32-byte AES-256 key.
func New(key []byte) (*FieldCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("field cipher: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("field cipher: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("field cipher: create GCM: %w", err)
	}

	return &FieldCipher{aead: aead}, nil
}

// NewFromHex creates a FieldCipher from a 64-character hex-encoded key, the
// form the key takes in configuration.
func NewFromHex(keyHex string) (*FieldCipher, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("field cipher: decode key: %w", err)
	}
	return New(key)
}

// EncryptString encrypts a plaintext string and returns a base64-encoded
// ciphertext with the nonce prepended.
func (e *FieldCipher) EncryptString(plaintext string) (string, error) {
	encrypted, err := e.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

// DecryptString decodes the base64 ciphertext, extracts the prepended nonce,
// and decrypts.
func (e *FieldCipher) DecryptString(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("field decrypt: base64 decode: %w", err)
	}

	plaintext, err := e.Decrypt(data)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Encrypt encrypts the data and returns the nonce prepended to the ciphertext.
func (e *FieldCipher) Encrypt(data []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("field encrypt: generate nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, so the result is nonce + ciphertext.
	return e.aead.Seal(nonce, nonce, data, nil), nil
}

// Decrypt extracts the nonce from the front of data and decrypts the remainder.
func (e *FieldCipher) Decrypt(data []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("field decrypt: ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("field decrypt: %w", err)
	}
	return plaintext, nil
}

// EncryptNullable encrypts an optional column value. Nil and empty values
// pass through unchanged so optional contact fields stay NULL in the
// database rather than becoming encrypted empty strings.
func (e *FieldCipher) EncryptNullable(plain *string) (*string, error) {
	if plain == nil || *plain == "" {
		return plain, nil
	}
	enc, err := e.EncryptString(*plain)
	if err != nil {
		return nil, err
	}
	return &enc, nil
}

// DecryptNullable reverses EncryptNullable.
func (e *FieldCipher) DecryptNullable(enc *string) (*string, error) {
	if enc == nil || *enc == "" {
		return enc, nil
	}
	plain, err := e.DecryptString(*enc)
	if err != nil {
		return nil, err
	}
	return &plain, nil
}
