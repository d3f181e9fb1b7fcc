package dcm2niix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"dcmjson/pkg/archive"
)

// SanitizeFilename replaces every rune of name that is neither alphanumeric nor '.'
// with '_'.
func SanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '.' || unicode.IsLetter(r) || unicode.IsNumber(r) {
			return r
		}
		return '_'
	}, name)
}

// SanitizeFile renames the file at path to its sanitized name when that differs and
// returns the resulting path. An existing file under the sanitized name is never
// replaced; the error then wraps fs.ErrExist.
func SanitizeFile(path string) (string, error) {
	dir, old := filepath.Split(path)
	sanitized := SanitizeFilename(old)
	if sanitized == old {
		return path, nil
	}
	target := filepath.Join(dir, sanitized)
	if _, err := os.Lstat(target); err == nil {
		return "", fmt.Errorf("rename %q to %q: %w", old, sanitized, fs.ErrExist)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("stat %q: %w", sanitized, err)
	}
	if err := os.Rename(path, target); err != nil {
		return "", fmt.Errorf("rename %q: %w", old, err)
	}
	return target, nil
}

// ValidateJSON reports whether the file at path is UTF-8 text holding one well formed
// JSON value.
func ValidateJSON(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !utf8.Valid(data) {
		return errors.New("not valid UTF-8")
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return nil
}

type producedFiles struct {
	json  string
	nifti []string
	bval  string
	bvec  string
}

func isJSON(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".json")
}

func isNIFTI(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".nii") || strings.HasSuffix(lower, ".nii.gz")
}

func hasJSONFile(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("list outputs: %w", err)
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() && isJSON(entry.Name()) {
			return true, nil
		}
	}
	return false, nil
}

// collectOutputs picks the converter outputs of dir. The first JSON file becomes the
// candidate, sanitized on disk, unless skipJSON is set. A JSON file whose sanitized
// name is already taken is passed over.
func collectOutputs(dir string, skipJSON bool) (producedFiles, error) {
	var out producedFiles
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out, fmt.Errorf("list outputs: %w", err)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(dir, name)
		switch lower := strings.ToLower(name); {
		case isJSON(name):
			if skipJSON || out.json != "" {
				continue
			}
			sanitized, err := SanitizeFile(path)
			if errors.Is(err, fs.ErrExist) {
				continue
			}
			if err != nil {
				return out, err
			}
			out.json = sanitized
		case isNIFTI(name):
			out.nifti = append(out.nifti, path)
		case strings.HasSuffix(lower, ".bval"):
			out.bval = path
		case strings.HasSuffix(lower, ".bvec"):
			out.bvec = path
		}
	}
	return out, nil
}

// finalizeOutputs validates the JSON produced in dir and uploads it to the scan's JSON
// resource. An invalid file is reported and left in place; the scan is not touched.
func (m *Module) finalizeOutputs(ctx context.Context, dir string, scan archive.Scan, info archive.ScanInfo) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "dcm2niix.finalize_outputs")
	defer span.End()

	log := m.log.With().Str("scan", info.String()).Logger()

	hasJSON, err := archive.HasResource(ctx, scan, archive.ResourceJSON)
	if err != nil {
		return "", err
	}
	outputs, err := collectOutputs(dir, hasJSON)
	if err != nil {
		return "", err
	}
	if outputs.json == "" {
		log.Debug().Msg("no JSON candidate")
		return OutcomeUnchanged, nil
	}

	name := filepath.Base(outputs.json)
	if err := ValidateJSON(outputs.json); err != nil {
		log.Warn().Err(err).Str("file", name).Msg("output is not JSON")
		m.report.Error(info, MsgInvalidJSON, map[string]string{"file": name})
		return OutcomeInvalid, nil
	}

	if m.cfg.UploadVolumes {
		if err := m.uploadVolumes(ctx, scan, info, outputs); err != nil {
			return "", err
		}
	}

	if _, err := os.Stat(outputs.json); err == nil {
		log.Debug().Str("file", name).Msg("uploading JSON")
		if err := scan.Resource(archive.ResourceJSON).Upload(ctx, outputs.json, true); err != nil {
			return "", fmt.Errorf("upload json: %w", err)
		}
		uploadsTotal.WithLabelValues(archive.ResourceJSON).Inc()
	}
	return OutcomeConverted, nil
}

func (m *Module) uploadVolumes(ctx context.Context, scan archive.Scan, info archive.ScanInfo, outputs producedFiles) error {
	for _, path := range outputs.nifti {
		if err := scan.Resource(archive.ResourceNIFTI).Upload(ctx, path, true); err != nil {
			return fmt.Errorf("upload nifti: %w", err)
		}
		uploadsTotal.WithLabelValues(archive.ResourceNIFTI).Inc()
	}

	if outputs.bval != "" && outputs.bvec != "" {
		if err := scan.Resource(archive.ResourceBVAL).Upload(ctx, outputs.bval, true); err != nil {
			return fmt.Errorf("upload bval: %w", err)
		}
		if err := scan.Resource(archive.ResourceBVEC).Upload(ctx, outputs.bvec, true); err != nil {
			return fmt.Errorf("upload bvec: %w", err)
		}
		uploadsTotal.WithLabelValues(archive.ResourceBVAL).Inc()
		uploadsTotal.WithLabelValues(archive.ResourceBVEC).Inc()
	}

	if len(outputs.nifti) > 1 {
		m.log.Warn().Str("scan", info.String()).Int("count", len(outputs.nifti)).Msg("multiple NIFTI")
		m.report.Warn(info, MsgMultipleNIFTI, nil)
	}
	return nil
}
