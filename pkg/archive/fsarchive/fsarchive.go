// Package fsarchive implements archive.Archive on a local directory tree:
//
//	<root>/<project>/<subject>/<session>/<scan>/scan.yaml
//	<root>/<project>/<subject>/<session>/<scan>/resources/<NAME>/<file>
package fsarchive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"dcmjson/pkg/archive"
)

const (
	scanFileName = "scan.yaml"
	resourcesDir = "resources"
)

var _ archive.Archive = (*Archive)(nil)

// Archive is a directory-backed archive.
type Archive struct {
	root string
}

// New returns an Archive rooted at root. The directory must exist.
func New(root string) (*Archive, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("archive root is required")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat archive root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("archive root %q is not a directory", root)
	}
	return &Archive{root: filepath.Clean(root)}, nil
}

type scanDocument struct {
	Attributes map[string]string `yaml:"attributes"`
}

// CreateScan registers a scan with the given attributes, replacing any existing
// attribute document.
func (a *Archive) CreateScan(ctx context.Context, ref archive.ScanRef, attrs map[string]string) (archive.Scan, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &scan{ref: ref, dir: a.scanDir(ref)}
	if err := os.MkdirAll(filepath.Join(s.dir, resourcesDir), 0o755); err != nil {
		return nil, fmt.Errorf("create scan dir: %w", err)
	}
	if attrs == nil {
		attrs = map[string]string{}
	}
	if err := s.writeDocument(scanDocument{Attributes: attrs}); err != nil {
		return nil, err
	}
	return s, nil
}

// Scan resolves ref to an existing scan.
func (a *Archive) Scan(ctx context.Context, ref archive.ScanRef) (archive.Scan, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := a.scanDir(ref)
	if _, err := os.Stat(filepath.Join(dir, scanFileName)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", ref, archive.ErrScanNotFound)
		}
		return nil, err
	}
	return &scan{ref: ref, dir: dir}, nil
}

func (a *Archive) scanDir(ref archive.ScanRef) string {
	return filepath.Join(a.root, ref.Project, ref.Subject, ref.Session, ref.Scan)
}

type scan struct {
	ref archive.ScanRef
	dir string

	mu sync.Mutex
}

func (s *scan) Ref() archive.ScanRef { return s.ref }

func (s *scan) Attribute(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDocument()
	if err != nil {
		return "", err
	}
	return doc.Attributes[name], nil
}

func (s *scan) SetAttribute(ctx context.Context, name, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDocument()
	if err != nil {
		return err
	}
	if doc.Attributes == nil {
		doc.Attributes = map[string]string{}
	}
	doc.Attributes[name] = value
	return s.writeDocument(doc)
}

func (s *scan) Resource(name string) archive.Resource {
	return &resource{name: name, dir: filepath.Join(s.dir, resourcesDir, name)}
}

func (s *scan) readDocument() (scanDocument, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, scanFileName))
	if err != nil {
		return scanDocument{}, fmt.Errorf("read %s: %w", scanFileName, err)
	}
	var doc scanDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return scanDocument{}, fmt.Errorf("parse %s: %w", scanFileName, err)
	}
	return doc, nil
}

func (s *scan) writeDocument(doc scanDocument) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", scanFileName, err)
	}
	return writeFileAtomic(filepath.Join(s.dir, scanFileName), data)
}

type resource struct {
	name string
	dir  string
}

func (r *resource) Name() string { return r.name }

func (r *resource) Files(ctx context.Context) ([]archive.FileRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list resource %s: %w", r.name, err)
	}

	files := make([]archive.FileRef, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %q: %w", entry.Name(), err)
		}
		files = append(files, archive.FileRef{Name: entry.Name(), Size: info.Size()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (r *resource) Download(ctx context.Context, destDir string, extract bool) error {
	files, err := r.Files(ctx)
	if err != nil {
		return err
	}

	if !extract {
		entries := make([]archive.BundleFile, 0, len(files))
		for _, f := range files {
			path := filepath.Join(r.dir, f.Name)
			entries = append(entries, archive.BundleFile{
				Name: f.Name,
				Size: f.Size,
				Open: func(context.Context) (io.ReadCloser, error) { return os.Open(path) },
			})
		}
		return archive.WriteBundle(ctx, filepath.Join(destDir, r.name+archive.BundleExt), r.name, entries)
	}

	target := filepath.Join(destDir, r.name)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("create %q: %w", target, err)
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := copyFile(filepath.Join(r.dir, f.Name), filepath.Join(target, f.Name)); err != nil {
			return err
		}
	}
	return nil
}

func (r *resource) Upload(ctx context.Context, path string, remove bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create resource %s: %w", r.name, err)
	}
	if err := copyFile(path, filepath.Join(r.dir, filepath.Base(path))); err != nil {
		return err
	}
	if remove {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove uploaded %q: %w", path, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %q: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp for %q: %w", dst, err)
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("copy %q: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %q: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename into %q: %w", dst, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".write-*")
	if err != nil {
		return fmt.Errorf("create temp for %q: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
