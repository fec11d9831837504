package blobstore

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"

	"genhub/internal/hashing"
)

type InMemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{blobs: make(map[string][]byte)}
}

func (s *InMemoryStore) Has(address string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[address]
	return ok
}

func (s *InMemoryStore) Get(address string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *InMemoryStore) Put(r io.Reader) (string, int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, err
	}
	address := hashing.Bytes(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[address] = data
	return address, int64(len(data)), nil
}

func (s *InMemoryStore) PutAt(address string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if got := hashing.Bytes(data); got != address {
		return fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, address, got)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[address] = data
	return nil
}

func (s *InMemoryStore) Size(address string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[address]
	return int64(len(data)), ok
}

func (s *InMemoryStore) Remove(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, address)
	return nil
}

func (s *InMemoryStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.blobs))
	for address := range s.blobs {
		out = append(out, address)
	}
	sort.Strings(out)
	return out, nil
}
