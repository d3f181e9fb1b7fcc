package archive

import (
	"context"
	"fmt"
	"strings"
)

// HasResource reports whether the scan holds the named resource with at least one file.
func HasResource(ctx context.Context, scan Scan, name string) (bool, error) {
	files, err := scan.Resource(name).Files(ctx)
	if err != nil {
		return false, fmt.Errorf("list %s files: %w", name, err)
	}
	return len(files) > 0, nil
}

// IsUnusable reports whether the archive flags the scan quality as unusable.
func IsUnusable(ctx context.Context, scan Scan) (bool, error) {
	quality, err := scan.Attribute(ctx, AttrQuality)
	if err != nil {
		return false, fmt.Errorf("read quality: %w", err)
	}
	return strings.EqualFold(strings.TrimSpace(quality), QualityUnusable), nil
}

// Downgrade marks the scan unusable and appends marker to its note, separated from
// any existing note by ';'. Exactly the quality and note attributes are written.
func Downgrade(ctx context.Context, scan Scan, marker string) error {
	if err := scan.SetAttribute(ctx, AttrQuality, QualityUnusable); err != nil {
		return fmt.Errorf("set quality: %w", err)
	}

	note, err := scan.Attribute(ctx, AttrNote)
	if err != nil {
		return fmt.Errorf("read note: %w", err)
	}
	if err := scan.SetAttribute(ctx, AttrNote, AppendNote(note, marker)); err != nil {
		return fmt.Errorf("set note: %w", err)
	}
	return nil
}

// AppendNote joins marker onto note with ';'.
func AppendNote(note, marker string) string {
	if note == "" {
		return marker
	}
	return note + ";" + marker
}
