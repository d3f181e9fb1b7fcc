// Package archive describes the remote imaging archive consumed by scan modules:
// scans addressed by project/subject/session/scan, their attributes, and the named
// resource buckets of files attached to them.
package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Well-known resource, attribute and quality names.
const (
	ResourceDICOM = "DICOM"
	ResourceJSON  = "JSON"
	ResourceNIFTI = "NIFTI"
	ResourceBVAL  = "BVAL"
	ResourceBVEC  = "BVEC"

	AttrQuality = "quality"
	AttrNote    = "note"
	AttrType    = "type"

	QualityUnusable = "unusable"
)

// ErrScanNotFound is returned when a scan reference does not resolve in the archive.
var ErrScanNotFound = errors.New("scan not found")

// ScanRef identifies one scan within the archive hierarchy.
type ScanRef struct {
	Project string `json:"project" yaml:"project"`
	Subject string `json:"subject" yaml:"subject"`
	Session string `json:"session" yaml:"session"`
	Scan    string `json:"scan" yaml:"scan"`
}

// String renders the reference as project/subject/session/scan.
func (r ScanRef) String() string {
	return strings.Join([]string{r.Project, r.Subject, r.Session, r.Scan}, "/")
}

// Validate reports whether every level of the reference is set.
func (r ScanRef) Validate() error {
	for _, part := range []struct{ name, value string }{
		{"project", r.Project},
		{"subject", r.Subject},
		{"session", r.Session},
		{"scan", r.Scan},
	} {
		if strings.TrimSpace(part.value) == "" {
			return fmt.Errorf("scan reference missing %s", part.name)
		}
		if strings.ContainsAny(part.value, `/\`) || part.value == "." || part.value == ".." {
			return fmt.Errorf("invalid %s %q", part.name, part.value)
		}
	}
	return nil
}

// ScanInfo is the descriptive view of a scan handed to modules by the orchestrator.
type ScanInfo struct {
	ScanRef `yaml:",inline"`
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
}

// FileRef describes one file held by a resource.
type FileRef struct {
	Name string
	Size int64
}

// Archive resolves scans.
type Archive interface {
	Scan(ctx context.Context, ref ScanRef) (Scan, error)
}

// Scan is a handle on one archived scan.
type Scan interface {
	Ref() ScanRef
	// Attribute returns the named attribute, or "" when it is unset.
	Attribute(ctx context.Context, name string) (string, error)
	SetAttribute(ctx context.Context, name, value string) error
	Resource(name string) Resource
}

// Resource is a named bucket of files attached to a scan. A resource that does not
// exist yet lists zero files and is created by its first upload.
type Resource interface {
	Name() string
	Files(ctx context.Context) ([]FileRef, error)
	// Download writes the resource into destDir. With extract the files land in
	// destDir/<name>/; otherwise a single destDir/<name>.tar.zst bundle is written.
	Download(ctx context.Context, destDir string, extract bool) error
	// Upload copies the local file into the resource, deleting the local copy
	// afterwards when remove is set and the upload succeeded.
	Upload(ctx context.Context, path string, remove bool) error
}
