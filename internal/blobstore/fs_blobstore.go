package blobstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"genhub/internal/hashing"
)

const tmpDir = ".tmp"

// FileSystemStore lays blobs out as aa/bb/<address> below the root of a
// billy filesystem. Uploads are staged in .tmp.
type FileSystemStore struct {
	fs billy.Filesystem
}

var _ Store = (*FileSystemStore)(nil)

func NewFileSystemStore(fs billy.Filesystem) *FileSystemStore {
	return &FileSystemStore{fs: fs}
}

func addressToPath(address string) string {
	return path.Join(address[0:2], address[2:4], address)
}

func (s *FileSystemStore) Has(address string) bool {
	if !ValidAddress(address) {
		return false
	}
	_, err := s.fs.Stat(addressToPath(address))
	return err == nil
}

func (s *FileSystemStore) Get(address string) (io.ReadCloser, error) {
	if !ValidAddress(address) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	f, err := s.fs.Open(addressToPath(address))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
		}
		return nil, err
	}
	return f, nil
}

func (s *FileSystemStore) Put(r io.Reader) (string, int64, error) {
	return s.put("", r)
}

func (s *FileSystemStore) PutAt(address string, r io.Reader) error {
	if !ValidAddress(address) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	_, _, err := s.put(address, r)
	return err
}

// put streams r into a temp file while hashing, then renames it into place.
// A non-empty expected address must match the computed one.
func (s *FileSystemStore) put(expected string, r io.Reader) (string, int64, error) {
	if err := s.fs.MkdirAll(tmpDir, 0o755); err != nil {
		return "", 0, err
	}
	tmp, err := util.TempFile(s.fs, tmpDir, "upload-")
	if err != nil {
		return "", 0, err
	}
	tmpName := tmp.Name()
	defer s.fs.Remove(tmpName)

	tw := hashing.NewTeeWriter(tmp)
	if _, err := io.Copy(tw, r); err != nil {
		tmp.Close()
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}

	address := tw.Digest()
	if expected != "" && expected != address {
		return "", 0, fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, expected, address)
	}

	finalPath := addressToPath(address)
	if err := s.fs.MkdirAll(path.Dir(finalPath), 0o755); err != nil {
		return "", 0, err
	}
	// Overwriting an existing blob is harmless, the bytes are identical.
	if err := s.fs.Rename(tmpName, finalPath); err != nil {
		return "", 0, err
	}
	return address, tw.Size(), nil
}

func (s *FileSystemStore) Size(address string) (int64, bool) {
	if !ValidAddress(address) {
		return 0, false
	}
	info, err := s.fs.Stat(addressToPath(address))
	if err != nil {
		return 0, false
	}
	return info.Size(), true
}

// Remove deletes a blob. Removing an absent blob is not an error.
func (s *FileSystemStore) Remove(address string) error {
	if !ValidAddress(address) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	err := s.fs.Remove(addressToPath(address))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// List returns every stored address in sorted order.
func (s *FileSystemStore) List() ([]string, error) {
	var out []string
	level1, err := s.fs.ReadDir("")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	for _, d1 := range level1 {
		if !d1.IsDir() || len(d1.Name()) != 2 {
			continue
		}
		level2, err := s.fs.ReadDir(d1.Name())
		if err != nil {
			return nil, err
		}
		for _, d2 := range level2 {
			if !d2.IsDir() {
				continue
			}
			files, err := s.fs.ReadDir(path.Join(d1.Name(), d2.Name()))
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				if ValidAddress(f.Name()) {
					out = append(out, f.Name())
				}
			}
		}
	}
	sort.Strings(out)
	return out, nil
}
