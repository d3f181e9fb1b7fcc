package dcm2niix

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Converter turns the DICOM files of one directory into NIfTI and JSON files written
// next to them.
type Converter interface {
	Convert(ctx context.Context, inputDir string) bool
}

// NamingPattern returns the dcm2niix -f pattern. Without a scan type filter outputs
// are named after the series number and description; with one, after the filter
// token and the series number.
func NamingPattern(scanTypeFilter string) string {
	if scanTypeFilter == "" {
		return "%s_%d"
	}
	return scanTypeFilter + "_%s"
}

// ExecConverter runs the dcm2niix executable.
type ExecConverter struct {
	Path    string
	Pattern string
	Logger  zerolog.Logger
}

// NewExecConverter returns a converter for the executable at path.
func NewExecConverter(path, scanTypeFilter string, logger zerolog.Logger) *ExecConverter {
	return &ExecConverter{Path: path, Pattern: NamingPattern(scanTypeFilter), Logger: logger}
}

// Args builds the converter arguments for inputDir.
func (c *ExecConverter) Args(inputDir string) []string {
	return []string{"-z", "y", "-b", "y", "-f", c.Pattern, inputDir}
}

// Convert runs the converter synchronously and reports whether it exited with status 0.
// The process is not bound to ctx: a hung converter blocks the caller.
func (c *ExecConverter) Convert(ctx context.Context, inputDir string) bool {
	_, span := tracer.Start(ctx, "dcm2niix.convert")
	defer span.End()

	args := c.Args(inputDir)
	span.SetAttributes(attribute.String("converter.path", c.Path), attribute.StringSlice("converter.args", args))
	c.Logger.Debug().Str("cmd", c.Path).Strs("args", args).Msg("converting dcm to nii")

	var output bytes.Buffer
	cmd := exec.Command(c.Path, args...)
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	err := cmd.Run()
	converterDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "converter failed")
		c.Logger.Debug().Err(err).Str("output", tail(output.String(), 2048)).Msg("converter failed")
		return false
	}
	return true
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
