// Package fingerprint derives stable item fingerprints via SHA-256.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/reelpipe/reelpipe/internal/pipeline"
)

// Hasher implements pipeline.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// FromURL canonicalizes a raw item URL (lowercase host, no query or
// fragment, no trailing slash) and hashes it into a Fingerprint. Two links
// to the same item always map to the same fingerprint.
func FromURL(rawURL string) (pipeline.Fingerprint, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse item url: %w", err)
	}
	if u.Host == "" || u.Scheme == "" {
		return "", fmt.Errorf("item url %q is not absolute", rawURL)
	}
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	sum := sha256.Sum256([]byte(u.String()))
	return pipeline.Fingerprint(hex.EncodeToString(sum[:])), nil
}
