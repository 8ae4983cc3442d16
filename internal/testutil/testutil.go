// Package testutil provides small helpers shared by tests.
package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// GenerateRandomString returns a URL-safe random string of roughly the
// requested length
func GenerateRandomString(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random string: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)[:length], nil
}

// PKCEPair returns a random RFC 7636 verifier and its S256 challenge value
// (unencoded tag; callers prepend "S256=" where the stored form is needed)
func PKCEPair() (verifier, challenge string, err error) {
	verifier, err = GenerateRandomString(43)
	if err != nil {
		return "", "", err
	}
	return verifier, S256Challenge(verifier), nil
}

// S256Challenge computes the S256 challenge value for a verifier
func S256Challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}
