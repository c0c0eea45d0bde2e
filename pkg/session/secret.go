// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Rounds  = 29000
	pbkdf2SaltLen = 16
	pbkdf2KeyLen  = 32
	pbkdf2Scheme  = "pbkdf2-sha256"
)

// ErrMalformedHash is returned when a stored password hash cannot be parsed.
var ErrMalformedHash = errors.New("malformed password hash")

// HashPassword derives a PBKDF2-SHA256 hash of password with a fresh random
// salt and returns it in crypt form: $pbkdf2-sha256$rounds$salt$hash with
// both binary fields in unpadded URL-safe base64.
func HashPassword(password string) string {
	salt := make([]byte, pbkdf2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		panic(err)
	}
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Rounds, pbkdf2KeyLen, sha256.New)
	return fmt.Sprintf("$%s$%d$%s$%s",
		pbkdf2Scheme,
		pbkdf2Rounds,
		base64.RawURLEncoding.EncodeToString(salt),
		base64.RawURLEncoding.EncodeToString(key),
	)
}

// VerifyPassword re-derives the hash from password using the salt and round
// count embedded in hashed and compares in constant time.
func VerifyPassword(hashed, password string) (bool, error) {
	parts := strings.Split(hashed, "$")
	if len(parts) != 5 || parts[0] != "" || parts[1] != pbkdf2Scheme {
		return false, ErrMalformedHash
	}
	rounds, err := strconv.Atoi(parts[2])
	if err != nil || rounds <= 0 {
		return false, ErrMalformedHash
	}
	salt, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil {
		return false, ErrMalformedHash
	}
	want, err := base64.RawURLEncoding.DecodeString(parts[4])
	if err != nil {
		return false, ErrMalformedHash
	}
	got := pbkdf2.Key([]byte(password), salt, rounds, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

const passwordAlphabet = "abcdefghijkmnpqrstuvwxyz23456789"

// GeneratePassword returns a random 10-character password drawn from a
// lowercase alphabet with ambiguous characters removed.
func GeneratePassword() string {
	raw := make([]byte, 10)
	if _, err := rand.Read(raw); err != nil {
		panic(err)
	}
	out := make([]byte, len(raw))
	for i, b := range raw {
		out[i] = passwordAlphabet[int(b)%len(passwordAlphabet)]
	}
	return string(out)
}
