package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"
	"strings"
)

// AESDecrypter unseals signer keys encrypted with AES-256-GCM under a
// shared master key. Ciphertext layout is hex(nonce || sealed).
type AESDecrypter struct {
	aead cipher.AEAD
}

func NewAESDecrypter(masterKeyHex string) (*AESDecrypter, error) {
	key, err := hex.DecodeString(strings.TrimPrefix(masterKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESDecrypter{aead: aead}, nil
}

func (d *AESDecrypter) DecryptSignerKey(encrypted string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(encrypted, "0x"))
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	ns := d.aead.NonceSize()
	if len(raw) <= ns {
		return "", fmt.Errorf("ciphertext too short")
	}
	plain, err := d.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("unseal signer key: %w", err)
	}
	return string(plain), nil
}

// PlainDecrypter treats stored keys as plaintext. Dev and dry-run only.
type PlainDecrypter struct{}

func (PlainDecrypter) DecryptSignerKey(encrypted string) (string, error) {
	return encrypted, nil
}
