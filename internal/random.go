// Package internal holds helpers shared by the regsso packages that are not
// part of the public surface.
package internal

import (
	"crypto/rand"
	"encoding/hex"
)

const (
	pollTokenBytes = 64
	initTokenBytes = 32
)

// NewPollToken returns the bearer secret handed to the polling CLI.
func NewPollToken() (string, error) {
	return randomHex(pollTokenBytes)
}

// NewInitToken returns the secret embedded in the browser redirect URL.
func NewInitToken() (string, error) {
	return randomHex(initTokenBytes)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// TokenPrefix shortens a token for log output. Tokens are bearer secrets and
// must never be logged in full.
func TokenPrefix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}
