package blobstore

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genhub/internal/hashing"
)

func exerciseStore(t *testing.T, s Store) {
	content := []byte("hello blob store")
	expected := hashing.Bytes(content)

	address, size, err := s.Put(bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, expected, address)
	assert.Equal(t, int64(len(content)), size)
	assert.True(t, s.Has(address))

	got, ok := s.Size(address)
	assert.True(t, ok)
	assert.Equal(t, int64(len(content)), got)

	r, err := s.Get(address)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	r.Close()
	require.NoError(t, err)
	assert.Equal(t, content, data)

	other := []byte("another payload entirely")
	otherAddress := hashing.Bytes(other)
	assert.ErrorIs(t, s.PutAt(otherAddress, bytes.NewReader(content)), ErrHashMismatch)
	assert.False(t, s.Has(otherAddress))
	require.NoError(t, s.PutAt(otherAddress, bytes.NewReader(other)))

	list, err := s.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{address, otherAddress}, list)

	require.NoError(t, s.Remove(address))
	require.NoError(t, s.Remove(address))
	assert.False(t, s.Has(address))
	_, err = s.Get(address)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileSystemStore(t *testing.T) {
	dir := t.TempDir()
	s := NewFileSystemStore(osfs.New(dir))
	exerciseStore(t, s)

	address, _, err := s.Put(bytes.NewReader([]byte("layout")))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, address[0:2], address[2:4], address))
	assert.NoError(t, err)
}

func TestFileSystemStoreOnMemfs(t *testing.T) {
	exerciseStore(t, NewFileSystemStore(memfs.New()))
}

func TestInMemoryStore(t *testing.T) {
	exerciseStore(t, NewInMemoryStore())
}

func TestInvalidAddress(t *testing.T) {
	s := NewFileSystemStore(memfs.New())
	assert.False(t, s.Has("../../etc/passwd"))
	_, err := s.Get("../../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}
