// Package hashing computes and verifies content hashes. Stored hashes are
// plain lowercase sha256 hex; "algorithm:hex" strings are accepted when
// verifying so manifests from other publishers can carry sha512 digests.
package hashing

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

type Algorithm int

const (
	SHA256 Algorithm = iota
	SHA512
)

var ErrInvalidHash = errors.New("invalid hash")

func (a Algorithm) String() string {
	switch a {
	case SHA256:
		return "sha256"
	case SHA512:
		return "sha512"
	default:
		return "unknown"
	}
}

func (a Algorithm) New() hash.Hash {
	if a == SHA512 {
		return sha512.New()
	}
	return sha256.New()
}

func (a Algorithm) hexLen() int {
	if a == SHA512 {
		return 128
	}
	return 64
}

// Parse splits a hash string into its algorithm and lowercase hex digest.
// Unprefixed strings are sha256 when 64 characters long and sha512 when 128.
func Parse(s string) (Algorithm, string, error) {
	algo := SHA256
	digest := s
	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		switch strings.ToLower(prefix) {
		case "sha256":
			algo = SHA256
		case "sha512":
			algo = SHA512
		default:
			return algo, "", fmt.Errorf("%w: unknown algorithm %q", ErrInvalidHash, prefix)
		}
		digest = rest
	} else if len(s) == SHA512.hexLen() {
		algo = SHA512
	}

	digest = strings.ToLower(digest)
	if len(digest) != algo.hexLen() {
		return algo, "", fmt.Errorf("%w: %q has the wrong length for %s", ErrInvalidHash, s, algo)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return algo, "", fmt.Errorf("%w: %q is not hex", ErrInvalidHash, s)
	}
	return algo, digest, nil
}

// Hasher computes the content hash of a stream.
type Hasher interface {
	Hash(r io.Reader) (string, int64, error)
}

type sha256Hasher struct{}

var _ Hasher = sha256Hasher{}

// Default is the hasher used for every stored file.
var Default Hasher = sha256Hasher{}

func (sha256Hasher) Hash(r io.Reader) (string, int64, error) {
	return Sum(SHA256, r)
}

// Sum hashes r with algo and returns the hex digest and byte count.
func Sum(algo Algorithm, r io.Reader) (string, int64, error) {
	h := algo.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Bytes returns the sha256 hex digest of data.
func Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// File hashes the file at path with sha256.
func File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return Sum(SHA256, f)
}

// Verify reports whether the contents of r match expected.
func Verify(r io.Reader, expected string) (bool, error) {
	algo, want, err := Parse(expected)
	if err != nil {
		return false, err
	}
	got, _, err := Sum(algo, r)
	if err != nil {
		return false, err
	}
	return got == want, nil
}

// Equal compares two hash strings, ignoring case and an optional prefix.
func Equal(a, b string) bool {
	algoA, da, errA := Parse(a)
	algoB, db, errB := Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	return algoA == algoB && da == db
}

// TeeWriter wraps w so every byte written is also hashed with sha256.
// Digest returns the hex digest of everything written so far.
type TeeWriter struct {
	w io.Writer
	h hash.Hash
	n int64
}

func NewTeeWriter(w io.Writer) *TeeWriter {
	return &TeeWriter{w: w, h: sha256.New()}
}

func (t *TeeWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	t.h.Write(p[:n])
	t.n += int64(n)
	return n, err
}

func (t *TeeWriter) Digest() string { return hex.EncodeToString(t.h.Sum(nil)) }

func (t *TeeWriter) Size() int64 { return t.n }
