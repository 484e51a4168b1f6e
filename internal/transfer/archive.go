package transfer

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Archive formats a spoke may send.
const (
	FormatTar    = "tar"
	FormatTarGz  = "tar.gz"
	FormatTarZst = "tar.zst"
	FormatTarLz4 = "tar.lz4"
	FormatZip    = "zip"
)

// ErrUnsafePath is returned for archive entries that would land outside the
// destination directory.
var ErrUnsafePath = errors.New("archive entry escapes destination")

// Formats lists the supported archive formats.
func Formats() []string {
	return []string{FormatTar, FormatTarGz, FormatTarZst, FormatTarLz4, FormatZip}
}

// SupportedFormat reports whether f can be unpacked.
func SupportedFormat(f string) bool {
	for _, s := range Formats() {
		if s == f {
			return true
		}
	}
	return false
}

// Pack writes the regular files below src into w as an archive of the
// given format. Paths inside the archive are relative to src.
func Pack(w io.Writer, src, format string) error {
	if format == FormatZip {
		return packZip(w, src)
	}

	var (
		cw  io.WriteCloser
		err error
	)
	switch format {
	case FormatTar:
		cw = nopWriteCloser{w}
	case FormatTarGz:
		cw = gzip.NewWriter(w)
	case FormatTarZst:
		cw, err = zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("zstd writer: %w", err)
		}
	case FormatTarLz4:
		cw = lz4.NewWriter(w)
	default:
		return fmt.Errorf("unsupported archive format %q", format)
	}

	tw := tar.NewWriter(cw)
	err = walkFiles(src, func(rel string, info fs.FileInfo, path string) error {
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		return copyFile(tw, path)
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return cw.Close()
}

func packZip(w io.Writer, src string) error {
	zw := zip.NewWriter(w)
	err := walkFiles(src, func(rel string, info fs.FileInfo, path string) error {
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = rel
		hdr.Method = zip.Deflate
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		return copyFile(fw, path)
	})
	if err != nil {
		return err
	}
	return zw.Close()
}

func walkFiles(src string, fn func(rel string, info fs.FileInfo, path string) error) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), info, path)
	})
}

func copyFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// Unpack extracts the archive at path into dest. Entries with absolute
// paths or parent references are rejected; anything other than regular
// files and directories is skipped. maxBytes bounds the total extracted size
// when positive.
func Unpack(path, format, dest string, maxBytes int64) (int, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, err
	}
	if format == FormatZip {
		return unpackZip(path, dest, maxBytes)
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var r io.Reader
	switch format {
	case FormatTar:
		r = f
	case FormatTarGz:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return 0, fmt.Errorf("gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	case FormatTarZst:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return 0, fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		r = zr
	case FormatTarLz4:
		r = lz4.NewReader(f)
	default:
		return 0, fmt.Errorf("unsupported archive format %q", format)
	}

	var (
		n     int
		total int64
	)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("read tar: %w", err)
		}
		target, err := entryPath(dest, hdr.Name)
		if err != nil {
			return n, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return n, err
			}
		case tar.TypeReg:
			total += hdr.Size
			if maxBytes > 0 && total > maxBytes {
				return n, fmt.Errorf("archive exceeds %d bytes", maxBytes)
			}
			if err := writeEntry(target, tr, hdr.Size); err != nil {
				return n, err
			}
			n++
		}
	}
}

func unpackZip(path, dest string, maxBytes int64) (int, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return 0, fmt.Errorf("zip: %w", err)
	}
	defer zr.Close()

	var (
		n     int
		total int64
	)
	for _, zf := range zr.File {
		target, err := entryPath(dest, zf.Name)
		if err != nil {
			return n, err
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return n, err
			}
			continue
		}
		if !zf.Mode().IsRegular() {
			continue
		}
		size := int64(zf.UncompressedSize64)
		total += size
		if maxBytes > 0 && total > maxBytes {
			return n, fmt.Errorf("archive exceeds %d bytes", maxBytes)
		}
		rc, err := zf.Open()
		if err != nil {
			return n, err
		}
		err = writeEntry(target, rc, size)
		rc.Close()
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func entryPath(dest, name string) (string, error) {
	clean := filepath.FromSlash(strings.TrimPrefix(name, "./"))
	if clean == "" || !filepath.IsLocal(clean) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return filepath.Join(dest, clean), nil
}

func writeEntry(target string, r io.Reader, size int64) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.CopyN(out, r, size); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", filepath.Base(target), err)
	}
	return out.Close()
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
