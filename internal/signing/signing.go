// Package signing computes and verifies request signatures.
//
// A signature is base64url(H(payload + "." + secret)) where payload is the
// base64url envelope exactly as it appears on the wire.
package signing

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // legacy clients still sign with sha1
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"hash"
	"strings"

	"github.com/highscore-gateway/internal/domain"
	"github.com/highscore-gateway/internal/envelope"
)

// Algorithm is one of the supported digests
type Algorithm int

const (
	// SHA1 is the legacy digest, accepted only at security level 0 and below
	SHA1 Algorithm = iota + 1
	// SHA256 is accepted at every security level
	SHA256
)

func (a Algorithm) String() string {
	switch a {
	case SHA1:
		return "sha1"
	case SHA256:
		return "sha256"
	default:
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case SHA1:
		return sha1.New(), nil //nolint:gosec
	case SHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported algorithm %s", a)
	}
}

// ParseAlgorithm maps the envelope's algo field onto an Algorithm. Unknown
// names are reported as ErrAlgorithmNotAllowed.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(name) {
	case "sha1":
		return SHA1, nil
	case "sha256":
		return SHA256, nil
	default:
		return 0, fmt.Errorf("%w: %q", domain.ErrAlgorithmNotAllowed, name)
	}
}

// Allowed reports whether a game at securityLevel accepts algo.
func Allowed(algo Algorithm, securityLevel int) bool {
	switch algo {
	case SHA256:
		return true
	case SHA1:
		return securityLevel <= 0
	default:
		return false
	}
}

// Sign returns the unpadded base64url signature of payload under secret.
func Sign(algo Algorithm, payload, secret string) (string, error) {
	sum, err := digest(algo, payload, secret)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// Verify checks signature against payload. Every failure, including an
// undecodable signature, is reported as ErrInvalidSignature.
func Verify(algo Algorithm, payload, signature, secret string) error {
	got, err := base64.RawURLEncoding.Strict().DecodeString(strings.TrimRight(signature, "="))
	if err != nil {
		return domain.ErrInvalidSignature
	}
	want, err := digest(algo, payload, secret)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return domain.ErrInvalidSignature
	}
	return nil
}

// Seal encodes fields under h, signs the payload with the algorithm named in
// h and returns the complete wire body.
func Seal(h envelope.Header, fields any, secret string) (string, error) {
	algo, err := ParseAlgorithm(h.Algorithm)
	if err != nil {
		return "", err
	}
	payload, err := envelope.Encode(h, fields)
	if err != nil {
		return "", err
	}
	sig, err := Sign(algo, payload, secret)
	if err != nil {
		return "", err
	}
	return envelope.Join(payload, sig), nil
}

func digest(algo Algorithm, payload, secret string) ([]byte, error) {
	h, err := algo.newHash()
	if err != nil {
		return nil, err
	}
	h.Write([]byte(payload))
	h.Write([]byte{'.'})
	h.Write([]byte(secret))
	return h.Sum(nil), nil
}

// secretBytes is the length of the random material behind a game secret.
const secretBytes = 64

// GenerateSecret returns a new random game secret.
func GenerateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
