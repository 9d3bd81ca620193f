package google

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

const challengeMethodS256 = "S256"

type pkcePair struct {
	verifier  string
	challenge string
}

func newPKCEPair() (pkcePair, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return pkcePair{}, err
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	return pkcePair{verifier: verifier, challenge: challengeFor(verifier)}, nil
}

func challengeFor(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func newState() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
