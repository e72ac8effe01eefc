package core

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	// PKCEMethodS256 is the only challenge method the protocol accepts.
	PKCEMethodS256 = "S256"

	pkceVerifierMinLength = 43
	pkceVerifierMaxLength = 128
	pkceRandomByteCount   = 96
)

// pkceVerifierAlphabet is the RFC 7636 unreserved character set.
const pkceVerifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// PKCEPair is a verifier/challenge pair for one authorization attempt. The
// verifier survives until token exchange and is discarded afterwards.
type PKCEPair struct {
	Verifier  string
	Challenge string
	Method    string
}

// GeneratePKCE draws fresh CSPRNG material and derives a verifier within the
// RFC 7636 bounds plus its S256 challenge. It only fails when the random
// source is unavailable.
func GeneratePKCE() (PKCEPair, error) {
	raw := make([]byte, pkceRandomByteCount)
	if _, err := rand.Read(raw); err != nil {
		return PKCEPair{}, fmt.Errorf("core: generate pkce verifier: %w", err)
	}

	length := len(raw)
	if length < pkceVerifierMinLength {
		length = pkceVerifierMinLength
	}
	if length > pkceVerifierMaxLength {
		length = pkceVerifierMaxLength
	}

	verifier := make([]byte, length)
	for i := 0; i < length; i++ {
		verifier[i] = pkceVerifierAlphabet[int(raw[i])%len(pkceVerifierAlphabet)]
	}

	pair := PKCEPair{
		Verifier: string(verifier),
		Method:   PKCEMethodS256,
	}
	pair.Challenge = PKCEChallengeFromVerifier(pair.Verifier)
	return pair, nil
}

// PKCEChallengeFromVerifier computes base64url(sha256(verifier)), unpadded.
func PKCEChallengeFromVerifier(verifier string) string {
	digest := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(digest[:])
}

// ValidatePKCEVerifier enforces the RFC 7636 charset and length bounds.
func ValidatePKCEVerifier(verifier string) error {
	if len(verifier) < pkceVerifierMinLength || len(verifier) > pkceVerifierMaxLength {
		return fmt.Errorf("core: pkce verifier length must be within [%d, %d], got %d",
			pkceVerifierMinLength, pkceVerifierMaxLength, len(verifier))
	}
	for i := 0; i < len(verifier); i++ {
		if strings.IndexByte(pkceVerifierAlphabet, verifier[i]) < 0 {
			return fmt.Errorf("core: pkce verifier contains invalid character %q", verifier[i])
		}
	}
	return nil
}
