// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // HMAC-SHA1 is the established token MAC format
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/rivetfw/rivet/pkg/codec"
	"github.com/rivetfw/rivet/pkg/rpc"
)

const sealedPrefixLen = 16

// SealedTokenCache stores sessions entirely inside the session id handed to
// the client. The id is the session body, prefixed with random bytes and
// encrypted with AES-CBC, followed by an HMAC-SHA1 trailer, in unpadded
// URL-safe base64. Nothing is kept server-side, so RemoveSession cannot
// revoke a token; it only expires.
type SealedTokenCache struct {
	block   cipher.Block
	iv      []byte
	hmacKey []byte
	serde   codec.Serializer
}

var _ Cache = (*SealedTokenCache)(nil)

// NewSealedTokenCache derives the AES key, IV, and MAC key from secret. The
// same secret must be shared by every server instance. A nil serializer
// defaults to JSON.
func NewSealedTokenCache(secret []byte, serde codec.Serializer) (*SealedTokenCache, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("sealed token secret must not be empty")
	}
	if serde == nil {
		serde = codec.JSON{}
	}
	aesKey := sha256.Sum256(secret)
	block, err := aes.NewCipher(aesKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	ivDigest := sha1.Sum(append([]byte("iv:"), secret...)) //nolint:gosec
	return &SealedTokenCache{
		block:   block,
		iv:      ivDigest[:aes.BlockSize],
		hmacKey: secret,
		serde:   serde,
	}, nil
}

type sealedBody struct {
	UserID  string         `json:"user_id" bson:"user_id" msgpack:"user_id"`
	Expires int64          `json:"expires" bson:"expires" msgpack:"expires"`
	State   map[string]any `json:"state,omitempty" bson:"state,omitempty" msgpack:"state,omitempty"`
	Key     string         `json:"key,omitempty" bson:"key,omitempty" msgpack:"key,omitempty"`
}

// StoreSession implements Cache. Every call mints a fresh token; the random
// prefix guarantees distinct ciphertexts for identical bodies.
func (c *SealedTokenCache) StoreSession(_ context.Context, s *Session) (string, error) {
	payload, err := c.serde.Marshal(sealedBody{
		UserID:  s.UserID,
		Expires: s.Expires,
		State:   s.State,
		Key:     s.Key,
	})
	if err != nil {
		return "", fmt.Errorf("failed to serialize session: %w", err)
	}

	plaintext := make([]byte, sealedPrefixLen+len(payload))
	if _, err := rand.Read(plaintext[:sealedPrefixLen]); err != nil {
		return "", fmt.Errorf("failed to generate token prefix: %w", err)
	}
	copy(plaintext[sealedPrefixLen:], payload)
	plaintext = pkcs7Pad(plaintext, aes.BlockSize)

	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(ciphertext, plaintext)

	mac := hmac.New(sha1.New, c.hmacKey)
	mac.Write(ciphertext)
	token := append(ciphertext, mac.Sum(nil)...)
	return base64.RawURLEncoding.EncodeToString(token), nil
}

// LoadSession implements Cache. Tokens failing MAC verification yield an
// invalid-HMAC error; structurally invalid tokens are treated as missing.
func (c *SealedTokenCache) LoadSession(_ context.Context, sessionID string) (*Session, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sessionID)
	if err != nil {
		return nil, nil
	}
	macLen := sha1.Size
	if len(raw) < macLen+aes.BlockSize || (len(raw)-macLen)%aes.BlockSize != 0 {
		return nil, nil
	}
	ciphertext, gotMAC := raw[:len(raw)-macLen], raw[len(raw)-macLen:]

	mac := hmac.New(sha1.New, c.hmacKey)
	mac.Write(ciphertext)
	if !hmac.Equal(mac.Sum(nil), gotMAC) {
		return nil, rpc.NewError(rpc.CodeInvalidHMAC, "Invalid HMAC.")
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(plaintext, ciphertext)
	payload, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil || len(payload) < sealedPrefixLen {
		return nil, nil
	}

	var body sealedBody
	if err := c.serde.Unmarshal(payload[sealedPrefixLen:], &body); err != nil {
		return nil, nil
	}
	return &Session{
		ID:      sessionID,
		UserID:  body.UserID,
		Expires: body.Expires,
		State:   body.State,
		Key:     body.Key,
	}, nil
}

// RemoveSession implements Cache. Sealed tokens cannot be revoked
// server-side, so removal is a no-op.
func (c *SealedTokenCache) RemoveSession(context.Context, string) error {
	return nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding byte %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}
