// Package archive extracts downloaded content packages. Every entry name is
// checked with validation.SafeJoin before anything is written, so a hostile
// archive cannot place files outside the destination directory.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dsnet/compress/bzip2"

	"genhub/internal/hashing"
	"genhub/internal/validation"
)

type Format int

const (
	FormatUnknown Format = iota
	FormatZip
	FormatTar
	FormatTarGz
	FormatTarBz2
)

func (f Format) String() string {
	switch f {
	case FormatZip:
		return "zip"
	case FormatTar:
		return "tar"
	case FormatTarGz:
		return "tar.gz"
	case FormatTarBz2:
		return "tar.bz2"
	default:
		return "unknown"
	}
}

const (
	DirPerms  = 0o755
	FilePerms = 0o644

	defaultMaxTotalBytes = 8 << 30
)

var (
	ErrUnsupportedFormat = errors.New("unsupported archive format")
	ErrTooLarge          = errors.New("archive exceeds extraction limit")
)

// DetectFormat guesses the format from a file name.
func DetectFormat(name string) Format {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGz
	case strings.HasSuffix(lower, ".tar.bz2"), strings.HasSuffix(lower, ".tbz2"):
		return FormatTarBz2
	case strings.HasSuffix(lower, ".tar"):
		return FormatTar
	default:
		return FormatUnknown
	}
}

// Sniff detects the format from the leading bytes of a file.
func Sniff(header []byte) Format {
	switch {
	case bytes.HasPrefix(header, []byte("PK\x03\x04")):
		return FormatZip
	case bytes.HasPrefix(header, []byte{0x1f, 0x8b}):
		return FormatTarGz
	case bytes.HasPrefix(header, []byte("BZh")):
		return FormatTarBz2
	case len(header) >= 262 && string(header[257:262]) == "ustar":
		return FormatTar
	default:
		return FormatUnknown
	}
}

// IsArchive reports whether name looks like a supported archive.
func IsArchive(name string) bool {
	return DetectFormat(name) != FormatUnknown
}

// Entry is one extracted regular file.
type Entry struct {
	RelativePath string
	Size         int64
	Hash         string
	Executable   bool
}

type options struct {
	maxTotalBytes int64
	progress      func(Entry)
}

type Option func(*options)

// WithMaxTotalBytes caps the number of uncompressed bytes written.
func WithMaxTotalBytes(n int64) Option {
	return func(o *options) { o.maxTotalBytes = n }
}

// WithProgress is called after each file is written.
func WithProgress(fn func(Entry)) Option {
	return func(o *options) { o.progress = fn }
}

// ExtractFile extracts the archive at path into destDir. The format comes
// from the file name, falling back to the leading bytes. Symbolic links and
// device entries are skipped. On error, files already written are left for
// the caller to clean up with destDir.
func ExtractFile(ctx context.Context, path, destDir string, opts ...Option) ([]Entry, error) {
	format := DetectFormat(path)
	if format == FormatUnknown {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		head := make([]byte, 512)
		n, _ := io.ReadFull(f, head)
		f.Close()
		format = Sniff(head[:n])
	}

	switch format {
	case FormatZip:
		return extractZip(ctx, path, destDir, newOptions(opts))
	case FormatTar, FormatTarGz, FormatTarBz2:
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return Extract(ctx, f, format, destDir, opts...)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(path))
	}
}

// Extract extracts a tar stream, optionally compressed, into destDir.
func Extract(ctx context.Context, r io.Reader, format Format, destDir string, opts ...Option) ([]Entry, error) {
	o := newOptions(opts)

	var src io.Reader
	switch format {
	case FormatTar:
		src = r
	case FormatTarGz:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gz.Close()
		src = gz
	case FormatTarBz2:
		bz, err := bzip2.NewReader(r, &bzip2.ReaderConfig{})
		if err != nil {
			return nil, fmt.Errorf("failed to create bzip2 reader: %w", err)
		}
		defer bz.Close()
		src = bz
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	if err := os.MkdirAll(destDir, DirPerms); err != nil {
		return nil, fmt.Errorf("failed to create extraction directory: %w", err)
	}

	var (
		entries []Entry
		written int64
	)
	tr := tar.NewReader(src)
	for {
		if err := ctx.Err(); err != nil {
			return entries, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return entries, fmt.Errorf("tar extraction failed: %w", err)
		}

		name := strings.TrimPrefix(hdr.Name, "./")
		if name == "" || name == "." {
			continue
		}
		target, err := validation.SafeJoin(destDir, name)
		if err != nil {
			return entries, fmt.Errorf("archive entry %q: %w", hdr.Name, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, DirPerms); err != nil {
				return entries, fmt.Errorf("failed to create directory during extraction: %w", err)
			}
		case tar.TypeReg:
			if written+hdr.Size > o.maxTotalBytes {
				return entries, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, o.maxTotalBytes)
			}
			entry, err := writeEntry(target, validation.NormalizeRelative(name), tr, hdr.Mode&0o111 != 0)
			if err != nil {
				return entries, err
			}
			written += entry.Size
			entries = append(entries, entry)
			if o.progress != nil {
				o.progress(entry)
			}
		}
	}
	return entries, nil
}

func extractZip(ctx context.Context, path, destDir string, o *options) ([]Entry, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip %s: %w", filepath.Base(path), err)
	}
	defer zr.Close()

	if err := os.MkdirAll(destDir, DirPerms); err != nil {
		return nil, fmt.Errorf("failed to create extraction directory: %w", err)
	}

	var (
		entries []Entry
		written int64
	)
	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return entries, err
		}
		target, err := validation.SafeJoin(destDir, zf.Name)
		if err != nil {
			return entries, fmt.Errorf("archive entry %q: %w", zf.Name, err)
		}
		mode := zf.Mode()
		if mode.IsDir() {
			if err := os.MkdirAll(target, DirPerms); err != nil {
				return entries, fmt.Errorf("failed to create directory during extraction: %w", err)
			}
			continue
		}
		if !mode.IsRegular() {
			continue
		}
		if written+int64(zf.UncompressedSize64) > o.maxTotalBytes {
			return entries, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, o.maxTotalBytes)
		}

		rc, err := zf.Open()
		if err != nil {
			return entries, fmt.Errorf("failed to open %s in zip: %w", zf.Name, err)
		}
		entry, err := writeEntry(target, validation.NormalizeRelative(zf.Name), io.LimitReader(rc, o.maxTotalBytes-written+1), mode&0o111 != 0)
		rc.Close()
		if err != nil {
			return entries, err
		}
		written += entry.Size
		if written > o.maxTotalBytes {
			return entries, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, o.maxTotalBytes)
		}
		entries = append(entries, entry)
		if o.progress != nil {
			o.progress(entry)
		}
	}
	return entries, nil
}

func writeEntry(target, rel string, r io.Reader, executable bool) (Entry, error) {
	if err := os.MkdirAll(filepath.Dir(target), DirPerms); err != nil {
		return Entry{}, err
	}
	perm := os.FileMode(FilePerms)
	if executable {
		perm = DirPerms
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return Entry{}, err
	}
	tw := hashing.NewTeeWriter(out)
	if _, err := io.Copy(tw, r); err != nil {
		out.Close()
		return Entry{}, fmt.Errorf("failed to extract %s: %w", rel, err)
	}
	if err := out.Close(); err != nil {
		return Entry{}, fmt.Errorf("failed to close output file: %w", err)
	}
	return Entry{RelativePath: rel, Size: tw.Size(), Hash: tw.Digest(), Executable: executable}, nil
}

func newOptions(opts []Option) *options {
	o := &options{maxTotalBytes: defaultMaxTotalBytes}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SortEntries orders entries by relative path.
func SortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].RelativePath < entries[j].RelativePath })
}
