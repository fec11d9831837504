// Package blobstore keeps downloaded packages addressed by their sha256 so
// repeated deliveries of the same asset are fetched once.
package blobstore

import (
	"errors"
	"io"
	"regexp"
)

var (
	ErrNotFound       = errors.New("blob not found")
	ErrInvalidAddress = errors.New("invalid blob address")
	ErrHashMismatch   = errors.New("content does not match address")

	addressRegex = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// Store is a write-once map from sha256 hex address to bytes.
type Store interface {
	Has(address string) bool
	Get(address string) (io.ReadCloser, error)
	// Put stores r and returns its address and size.
	Put(r io.Reader) (string, int64, error)
	// PutAt stores r only when it hashes to address.
	PutAt(address string, r io.Reader) error
	Size(address string) (int64, bool)
	Remove(address string) error
	List() ([]string, error)
}

// ValidAddress reports whether address is a lowercase sha256 hex digest.
func ValidAddress(address string) bool {
	return addressRegex.MatchString(address)
}
