package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// BundleExt is the file extension of resource bundles.
const BundleExt = ".tar.zst"

// BundleFile is one entry written into a resource bundle.
type BundleFile struct {
	Name string
	Size int64
	Open func(ctx context.Context) (io.ReadCloser, error)
}

// WriteBundle writes files as a zstd-compressed tarball at output. Entries are stored
// under prefix/ inside the archive. On any error, including a failed final flush, the
// partial output is removed.
func WriteBundle(ctx context.Context, output, prefix string, files []BundleFile) error {
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("create bundle dir: %w", err)
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create bundle: %w", err)
	}

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		os.Remove(output)
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	err = writeBundleEntries(ctx, tw, prefix, files)
	if cerr := tw.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close tar: %w", cerr)
	}
	if cerr := encoder.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("flush zstd: %w", cerr)
	}
	if cerr := file.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close bundle: %w", cerr)
	}
	if err != nil {
		os.Remove(output)
		return err
	}
	return nil
}

func writeBundleEntries(ctx context.Context, tw *tar.Writer, prefix string, files []BundleFile) error {
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeBundleEntry(ctx, tw, prefix, f); err != nil {
			return err
		}
	}
	return nil
}

func writeBundleEntry(ctx context.Context, tw *tar.Writer, prefix string, f BundleFile) error {
	rc, err := f.Open(ctx)
	if err != nil {
		return fmt.Errorf("open %q: %w", f.Name, err)
	}
	defer rc.Close()

	header := &tar.Header{
		Name:     filepath.ToSlash(filepath.Join(prefix, f.Name)),
		Mode:     0o644,
		Size:     f.Size,
		ModTime:  time.Now().UTC(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %q: %w", f.Name, err)
	}
	if _, err := io.Copy(tw, rc); err != nil {
		return fmt.Errorf("copy %q: %w", f.Name, err)
	}
	return nil
}

// ExtractBundle unpacks a bundle written by WriteBundle into destDir and returns the
// extracted paths. Entries escaping destDir are rejected. The CLI uses it to register
// scans from an exported bundle.
func ExtractBundle(ctx context.Context, bundlePath, destDir string) ([]string, error) {
	file, err := os.Open(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	root := filepath.Clean(destDir)
	tr := tar.NewReader(decoder)
	var extracted []string
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		target := filepath.Join(root, filepath.Clean(header.Name))
		if !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return nil, fmt.Errorf("invalid entry path %q", header.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %q: %w", filepath.Dir(target), err)
		}
		out, err := os.Create(target)
		if err != nil {
			return nil, fmt.Errorf("create %q: %w", header.Name, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return nil, fmt.Errorf("write %q: %w", header.Name, err)
		}
		out.Close()
		extracted = append(extracted, target)
	}
	return extracted, nil
}
