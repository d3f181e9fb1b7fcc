// Package s3archive implements archive.Archive on an S3-compatible bucket for resource
// files and a Postgres scans table for scan attributes.
//
// Object keys follow <project>/<subject>/<session>/<scan>/resources/<NAME>/<file>.
package s3archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"dcmjson/pkg/archive"
	"dcmjson/pkg/s3"
)

// ObjectStore is the subset of the S3 client used for resource files.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]s3.Object, error)
}

// AttributeStore persists scan attribute documents.
type AttributeStore interface {
	ScanID(ctx context.Context, ref archive.ScanRef) (uuid.UUID, error)
	Attribute(ctx context.Context, id uuid.UUID, name string) (string, error)
	SetAttribute(ctx context.Context, id uuid.UUID, name, value string) error
}

var (
	_ archive.Archive = (*Archive)(nil)
	_ ObjectStore     = (*s3.Client)(nil)
)

// Archive resolves scans against an object store and an attribute store.
type Archive struct {
	objects ObjectStore
	attrs   AttributeStore
	bucket  string
}

// New returns an Archive storing resource files in bucket.
func New(objects ObjectStore, attrs AttributeStore, bucket string) (*Archive, error) {
	if objects == nil {
		return nil, errors.New("object store is required")
	}
	if attrs == nil {
		return nil, errors.New("attribute store is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	return &Archive{objects: objects, attrs: attrs, bucket: bucket}, nil
}

// Scan resolves ref to a registered scan.
func (a *Archive) Scan(ctx context.Context, ref archive.ScanRef) (archive.Scan, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	id, err := a.attrs.ScanID(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &scan{archive: a, ref: ref, id: id}, nil
}

type scan struct {
	archive *Archive
	ref     archive.ScanRef
	id      uuid.UUID
}

func (s *scan) Ref() archive.ScanRef { return s.ref }

func (s *scan) Attribute(ctx context.Context, name string) (string, error) {
	return s.archive.attrs.Attribute(ctx, s.id, name)
}

func (s *scan) SetAttribute(ctx context.Context, name, value string) error {
	return s.archive.attrs.SetAttribute(ctx, s.id, name, value)
}

func (s *scan) Resource(name string) archive.Resource {
	return &resource{
		archive: s.archive,
		name:    name,
		prefix:  ResourcePrefix(s.ref, name),
	}
}

// ResourcePrefix returns the key prefix, with trailing slash, under which the files of
// the named resource are stored.
func ResourcePrefix(ref archive.ScanRef, name string) string {
	return path.Join(ref.Project, ref.Subject, ref.Session, ref.Scan, "resources", name) + "/"
}

type resource struct {
	archive *Archive
	name    string
	prefix  string
}

func (r *resource) Name() string { return r.name }

func (r *resource) Files(ctx context.Context) ([]archive.FileRef, error) {
	objects, err := r.archive.objects.ListObjects(ctx, r.archive.bucket, r.prefix)
	if err != nil {
		return nil, fmt.Errorf("list resource %s: %w", r.name, err)
	}
	files := make([]archive.FileRef, 0, len(objects))
	for _, obj := range objects {
		name := strings.TrimPrefix(obj.Key, r.prefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		files = append(files, archive.FileRef{Name: name, Size: obj.Size})
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
			key := r.prefix + f.Name
			entries = append(entries, archive.BundleFile{
				Name: f.Name,
				Size: f.Size,
				Open: func(ctx context.Context) (io.ReadCloser, error) {
					return r.archive.objects.GetObject(ctx, r.archive.bucket, key)
				},
			})
		}
		return archive.WriteBundle(ctx, filepath.Join(destDir, r.name+archive.BundleExt), r.name, entries)
	}

	target := filepath.Join(destDir, r.name)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("create %q: %w", target, err)
	}
	for _, f := range files {
		if err := r.fetch(ctx, f.Name, filepath.Join(target, f.Name)); err != nil {
			return err
		}
	}
	return nil
}

func (r *resource) fetch(ctx context.Context, name, dst string) error {
	body, err := r.archive.objects.GetObject(ctx, r.archive.bucket, r.prefix+name)
	if err != nil {
		return fmt.Errorf("get %s/%s: %w", r.name, name, err)
	}
	defer body.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %q: %w", dst, err)
	}
	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		return fmt.Errorf("write %q: %w", dst, err)
	}
	return out.Close()
}

func (r *resource) Upload(ctx context.Context, localPath string, remove bool) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %q: %w", localPath, err)
	}

	hasher := sha256.New()
	size, err := io.Copy(hasher, file)
	if err != nil {
		file.Close()
		return fmt.Errorf("hash %q: %w", localPath, err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()
		return fmt.Errorf("rewind %q: %w", localPath, err)
	}

	key := r.prefix + filepath.Base(localPath)
	err = r.archive.objects.PutObject(ctx, r.archive.bucket, key, file, size, hex.EncodeToString(hasher.Sum(nil)))
	file.Close()
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	if remove {
		if err := os.Remove(localPath); err != nil {
			return fmt.Errorf("remove uploaded %q: %w", localPath, err)
		}
	}
	return nil
}
