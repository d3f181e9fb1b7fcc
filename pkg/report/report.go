// Package report accumulates the warnings and errors a module records while it
// processes scans, and delivers them by email or to the reports table.
package report

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dcmjson/pkg/archive"
	"dcmjson/pkg/render"
)

// Entry is one recorded warning or error.
type Entry struct {
	ID      uuid.UUID
	Scan    archive.ScanInfo
	Message string
	IsError bool
	Details map[string]string
	At      time.Time
}

// Report collects entries for one module run. It is safe for concurrent use.
type Report struct {
	module string

	mu      sync.Mutex
	entries []Entry
}

// New returns an empty report for module.
func New(module string) *Report {
	return &Report{module: module}
}

// Module returns the module name the report was created for.
func (r *Report) Module() string { return r.module }

// Header is the first line of the rendered report.
func (r *Report) Header() string {
	return fmt.Sprintf("ERROR/WARNING for %s:", r.module)
}

// Warn records a warning entry for scan.
func (r *Report) Warn(scan archive.ScanInfo, message string, details map[string]string) Entry {
	return r.add(scan, message, false, details)
}

// Error records an error entry for scan.
func (r *Report) Error(scan archive.ScanInfo, message string, details map[string]string) Entry {
	return r.add(scan, message, true, details)
}

func (r *Report) add(scan archive.ScanInfo, message string, isError bool, details map[string]string) Entry {
	entry := Entry{
		ID:      uuid.New(),
		Scan:    scan,
		Message: message,
		IsError: isError,
		Details: details,
		At:      time.Now().UTC(),
	}
	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()
	return entry
}

// Entries returns a copy of the recorded entries in insertion order.
func (r *Report) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Len returns the number of recorded entries.
func (r *Report) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Counts returns the number of error and warning entries.
func (r *Report) Counts() (errs, warnings int) {
	for _, e := range r.Entries() {
		if e.IsError {
			errs++
		} else {
			warnings++
		}
	}
	return errs, warnings
}

// Render produces the subject line and body of the report.
func (r *Report) Render(engine *render.Engine) (subject, body string, err error) {
	errs, warnings := r.Counts()
	subject, err = engine.Render(render.SubjectTemplate, map[string]any{
		"Module":   r.module,
		"Errors":   errs,
		"Warnings": warnings,
	})
	if err != nil {
		return "", "", fmt.Errorf("render subject: %w", err)
	}
	body, err = engine.Render(render.ReportTemplate, map[string]any{
		"Header":  r.Header(),
		"Entries": r.Entries(),
	})
	if err != nil {
		return "", "", fmt.Errorf("render body: %w", err)
	}
	return strings.TrimSpace(subject), body, nil
}
