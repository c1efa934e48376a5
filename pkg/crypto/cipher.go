// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package crypto provides the content cipher that protects turn
// content at rest.
//
// The cipher is AES-256-GCM with the nonce prepended to the sealed
// bytes and the whole value base64-encoded. When no key is configured
// the cipher degrades to identity (plaintext storage, development
// mode). Decrypt never fails on stored data: values that cannot be
// decrypted are returned unchanged so plaintext rows written before a
// key rollout stay readable.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrInvalidKey is returned when the configured key is not 32
	// bytes of hex.
	ErrInvalidKey = errors.New("invalid encryption key")
	// ErrInvalidCiphertext is returned when a value cannot be
	// authenticated or decoded.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// ContentCipher encrypts and decrypts turn content.
type ContentCipher struct {
	aead cipher.AEAD
}

// NewContentCipher builds a cipher from a 64-char hex key. An empty
// key returns an identity cipher; a malformed key is an error.
func NewContentCipher(hexKey string) (*ContentCipher, error) {
	if hexKey == "" {
		return &ContentCipher{}, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != 32 {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &ContentCipher{aead: aead}, nil
}

// Enabled reports whether a key is configured.
func (c *ContentCipher) Enabled() bool {
	return c.aead != nil
}

// Encrypt seals plaintext for storage. Identity when no key is set.
func (c *ContentCipher) Encrypt(plaintext string) (string, error) {
	if c.aead == nil {
		return plaintext, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a stored value. Values that do not decode or do not
// authenticate are returned as-is: they predate the key.
func (c *ContentCipher) Decrypt(stored string) string {
	if c.aead == nil {
		return stored
	}
	plaintext, err := c.open(stored)
	if err != nil {
		return stored
	}
	return plaintext
}

func (c *ContentCipher) open(stored string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}
	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plaintext), nil
}

// GenerateKey returns a fresh random key encoded as 64 hex chars,
// suitable for CONTENT_ENCRYPTION_KEY.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
