// Package dcm2niix is the scan module that converts the DICOM resource of a scan into a
// JSON sidecar with dcm2niix, validates it and uploads it back to the archive.
//
// The orchestrator drives one Module through Prepare, then IsNeeded and Execute for
// each scan, then Finalize. A Module processes one scan at a time.
package dcm2niix

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dcmjson/pkg/archive"
	"dcmjson/pkg/render"
	"dcmjson/pkg/report"
)

// Note marker and report messages.
const (
	FailureNote = "dcm2niix json FAILED"

	MsgConversionFailed = "dcm2nii json Failed"
	MsgInvalidJSON      = "non-valid json created"
	MsgMultipleNIFTI    = "multiple NIFTI"
)

// Outcome is what Execute did with a scan.
type Outcome string

const (
	OutcomeNoInput   Outcome = "no_input"
	OutcomeFailed    Outcome = "failed"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeConverted Outcome = "converted"
)

// Mailer delivers the rendered report.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// ReportStore persists the report.
type ReportStore interface {
	Save(ctx context.Context, r *report.Report) error
}

// Deps are the optional collaborators of a Module.
type Deps struct {
	Logger    zerolog.Logger
	Converter Converter
	Mailer    Mailer
	Store     ReportStore
	Renderer  *render.Engine
}

// Module is the dcm2niix JSON scan module.
type Module struct {
	cfg       Config
	log       zerolog.Logger
	converter Converter
	mailer    Mailer
	store     ReportStore
	renderer  *render.Engine
	report    *report.Report

	stagingRoot string
	directory   string
}

// New validates cfg and creates a fresh staging directory for this instance under
// cfg.StagingRoot, or the OS temp dir when unset.
func New(cfg Config, deps Deps) (*Module, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	root := cfg.StagingRoot
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("create staging root: %w", err)
		}
	}
	staging, err := os.MkdirTemp(root, cfg.ModuleName+"-")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	logger := deps.Logger.With().Str("module", cfg.ModuleName).Logger()
	converter := deps.Converter
	if converter == nil {
		converter = NewExecConverter(cfg.ConverterPath, cfg.ScanTypeFilter, logger)
	}
	renderer := deps.Renderer
	if renderer == nil {
		if renderer, err = render.New(); err != nil {
			return nil, err
		}
	}

	return &Module{
		cfg:         cfg,
		log:         logger,
		converter:   converter,
		mailer:      deps.Mailer,
		store:       deps.Store,
		renderer:    renderer,
		report:      report.New(cfg.ModuleName),
		stagingRoot: staging,
		directory:   staging,
	}, nil
}

// Directory is the working staging directory.
func (m *Module) Directory() string { return m.directory }

// Report returns the entries recorded so far.
func (m *Module) Report() *report.Report { return m.report }

// Prepare creates the staging directory. With a settings file the working directory
// becomes a subdirectory named after it.
func (m *Module) Prepare(settingsPath string) error {
	dir := m.stagingRoot
	if settingsPath != "" {
		base := filepath.Base(settingsPath)
		dir = filepath.Join(m.stagingRoot, strings.TrimSuffix(base, filepath.Ext(base)))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	m.directory = dir
	return nil
}

// IsNeeded reports whether scan still needs a JSON sidecar: it has none yet, it has
// DICOM files, and it is not flagged unusable.
func (m *Module) IsNeeded(ctx context.Context, scan archive.Scan) (bool, error) {
	log := m.log.With().Stringer("scan", scan.Ref()).Logger()

	hasJSON, err := archive.HasResource(ctx, scan, archive.ResourceJSON)
	if err != nil {
		return false, err
	}
	if hasJSON {
		log.Debug().Msg("has JSON")
		scansSkipped.WithLabelValues("has_output").Inc()
		return false, nil
	}

	hasDICOM, err := archive.HasResource(ctx, scan, archive.ResourceDICOM)
	if err != nil {
		return false, err
	}
	if !hasDICOM {
		log.Debug().Msg("no DICOM resource")
		scansSkipped.WithLabelValues("no_input").Inc()
		return false, nil
	}

	unusable, err := archive.IsUnusable(ctx, scan)
	if err != nil {
		return false, err
	}
	if unusable {
		log.Debug().Msg("unusable scan")
		scansSkipped.WithLabelValues("unusable").Inc()
		return false, nil
	}

	return true, nil
}

// Execute converts one scan. Conversion and validation failures are recorded in the
// report and on the scan; only archive and filesystem errors are returned.
func (m *Module) Execute(ctx context.Context, info archive.ScanInfo, scan archive.Scan) error {
	_, err := m.Process(ctx, info, scan)
	return err
}

// Process is Execute returning what happened to the scan.
func (m *Module) Process(ctx context.Context, info archive.ScanInfo, scan archive.Scan) (outcome Outcome, err error) {
	ctx, span := tracer.Start(ctx, "dcm2niix.execute", trace.WithAttributes(
		attribute.String("scan.ref", info.String()),
		attribute.String("scan.type", info.Type),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("scan.outcome", string(outcome)))
		span.End()
	}()

	log := m.log.With().Str("scan", info.String()).Logger()

	files, err := scan.Resource(archive.ResourceDICOM).Files(ctx)
	if err != nil {
		return "", fmt.Errorf("list dicom: %w", err)
	}
	if len(files) == 0 {
		log.Debug().Msg("no DICOM files")
		scansTotal.WithLabelValues(string(OutcomeNoInput)).Inc()
		return OutcomeNoInput, nil
	}

	dcmDir := filepath.Join(m.directory, archive.ResourceDICOM)
	defer func() {
		if cerr := clearDir(dcmDir); cerr != nil && err == nil {
			err = fmt.Errorf("clean staging: %w", cerr)
		}
	}()

	log.Debug().Int("files", len(files)).Msg("downloading all DICOMs")
	if err := scan.Resource(archive.ResourceDICOM).Download(ctx, m.directory, true); err != nil {
		return "", fmt.Errorf("download dicom: %w", err)
	}

	ok := m.converter.Convert(ctx, dcmDir)

	produced, err := hasJSONFile(dcmDir)
	if err != nil {
		return "", err
	}
	if !ok || !produced {
		log.Warn().Bool("converter_ok", ok).Bool("json_produced", produced).Msg("conversion failed")
		m.report.Error(info, MsgConversionFailed, nil)
		if err := archive.Downgrade(ctx, scan, FailureNote); err != nil {
			return "", fmt.Errorf("downgrade scan: %w", err)
		}
		scansTotal.WithLabelValues(string(OutcomeFailed)).Inc()
		return OutcomeFailed, nil
	}

	outcome, err = m.finalizeOutputs(ctx, dcmDir, scan, info)
	if err != nil {
		return "", err
	}
	scansTotal.WithLabelValues(string(outcome)).Inc()
	return outcome, nil
}

// FlushReport delivers the entries recorded so far by email and to the report store,
// then starts a new report. The entries are dropped even when delivery fails.
func (m *Module) FlushReport(ctx context.Context) error {
	r := m.report
	if r.Len() == 0 {
		return nil
	}
	m.report = report.New(m.cfg.ModuleName)

	var errs []error
	if m.cfg.Email != "" && m.mailer != nil {
		if err := m.sendReport(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	if m.store != nil {
		if err := m.store.Save(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("save report: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Finalize delivers the report and removes the staging directory. Neither a failed
// delivery nor a failed removal is returned; both are logged.
func (m *Module) Finalize(ctx context.Context) {
	if err := m.FlushReport(ctx); err != nil {
		m.log.Error().Err(err).Msg("deliver report failed")
	}
	if err := os.RemoveAll(m.stagingRoot); err != nil {
		m.log.Warn().Err(err).Str("dir", m.stagingRoot).Msg("delete staging dir failed")
	}
}

func (m *Module) sendReport(ctx context.Context, r *report.Report) error {
	subject, body, err := r.Render(m.renderer)
	if err != nil {
		return err
	}
	if err := m.mailer.Send(ctx, m.cfg.Email, subject, body); err != nil {
		return fmt.Errorf("email report: %w", err)
	}
	return nil
}

// clearDir removes the contents of dir, keeping dir itself.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
