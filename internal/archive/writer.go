package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dsnet/compress/bzip2"
)

// epoch is the modification time stamped on every written entry so the same
// tree always produces the same bytes.
var epoch = time.Unix(0, 0).UTC()

// Write packs the regular files below dir into w, in sorted path order.
func Write(ctx context.Context, w io.Writer, format Format, dir string) error {
	paths, err := listFiles(dir)
	if err != nil {
		return err
	}

	switch format {
	case FormatZip:
		return writeZip(ctx, w, dir, paths)
	case FormatTar:
		return writeTar(ctx, w, dir, paths)
	case FormatTarGz:
		gw := gzip.NewWriter(w)
		if err := writeTar(ctx, gw, dir, paths); err != nil {
			gw.Close()
			return err
		}
		return gw.Close()
	case FormatTarBz2:
		bw, err := bzip2.NewWriter(w, &bzip2.WriterConfig{Level: 9})
		if err != nil {
			return fmt.Errorf("creating bzip2 writer: %w", err)
		}
		if err := writeTar(ctx, bw, dir, paths); err != nil {
			bw.Close()
			return err
		}
		return bw.Close()
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

func listFiles(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			paths = append(paths, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}

func writeTar(ctx context.Context, w io.Writer, dir string, paths []string) error {
	tw := tar.NewWriter(w)
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addTarFile(tw, dir, p); err != nil {
			return err
		}
	}
	return tw.Close()
}

func addTarFile(tw *tar.Writer, dir, rel string) error {
	f, err := os.Open(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	mode := int64(FilePerms)
	if info.Mode()&0o111 != 0 {
		mode = DirPerms
	}
	header := &tar.Header{
		Name:     rel,
		Size:     info.Size(),
		Mode:     mode,
		ModTime:  epoch,
		Typeflag: tar.TypeReg,
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write header for %s: %w", rel, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("failed to write content for %s: %w", rel, err)
	}
	return nil
}

func writeZip(ctx context.Context, w io.Writer, dir string, paths []string) error {
	zw := zip.NewWriter(w)
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addZipFile(zw, dir, p); err != nil {
			return err
		}
	}
	return zw.Close()
}

func addZipFile(zw *zip.Writer, dir, rel string) error {
	f, err := os.Open(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		return err
	}
	defer f.Close()

	out, err := zw.CreateHeader(&zip.FileHeader{Name: rel, Method: zip.Deflate, Modified: epoch})
	if err != nil {
		return fmt.Errorf("failed to write header for %s: %w", rel, err)
	}
	if _, err := io.Copy(out, f); err != nil {
		return fmt.Errorf("failed to write content for %s: %w", rel, err)
	}
	return nil
}
