package dcm2niix

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"dcmjson/pkg/archive"
	"dcmjson/pkg/bus"
)

// ErrWorkerClosed is returned by Handle once Close has been called.
var ErrWorkerClosed = errors.New("worker closed")

// Publisher emits scan outcome events.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Worker feeds scan requests from the bus through one Module.
type Worker struct {
	module  *Module
	archive archive.Archive
	pub     Publisher
	log     zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// NewWorker returns a Worker. The module must already be prepared.
func NewWorker(module *Module, arch archive.Archive, pub Publisher, logger zerolog.Logger) (*Worker, error) {
	if module == nil {
		return nil, errors.New("module is required")
	}
	if arch == nil {
		return nil, errors.New("archive is required")
	}
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	return &Worker{module: module, archive: arch, pub: pub, log: logger}, nil
}

// Handle processes one encoded bus.ScanRequest and delivers any report entries it
// recorded. Malformed requests and per-scan failures are acknowledged; a failed outcome
// publish, or a request arriving after Close, is returned for redelivery.
func (w *Worker) Handle(ctx context.Context, data []byte) error {
	req, err := bus.DecodeScanRequest(data)
	if err != nil {
		w.log.Warn().Err(err).Msg("dropping malformed scan request")
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWorkerClosed
	}

	subject, outcome := w.process(ctx, req)
	if err := w.module.FlushReport(ctx); err != nil {
		w.log.Error().Err(err).Str("request_id", req.ID.String()).Msg("deliver report failed")
	}
	if err := w.pub.Publish(ctx, subject, outcome); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close waits for the scan in flight, if any, then finalizes the module. Later calls
// to Handle return ErrWorkerClosed.
func (w *Worker) Close(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.module.Finalize(ctx)
}

func (w *Worker) process(ctx context.Context, req bus.ScanRequest) (string, bus.ScanOutcome) {
	log := w.log.With().Str("request_id", req.ID.String()).Str("scan", req.Scan.String()).Logger()

	scan, err := w.archive.Scan(ctx, req.Scan.ScanRef)
	if err != nil {
		if errors.Is(err, archive.ErrScanNotFound) {
			log.Info().Msg("scan not found")
			return bus.SubjectScanSkipped, bus.NewScanOutcome(req, "not_found", err.Error())
		}
		log.Error().Err(err).Msg("resolve scan")
		return bus.SubjectScanFailed, bus.NewScanOutcome(req, "error", err.Error())
	}

	needed, err := w.module.IsNeeded(ctx, scan)
	if err != nil {
		log.Error().Err(err).Msg("run decision")
		return bus.SubjectScanFailed, bus.NewScanOutcome(req, "error", err.Error())
	}
	if !needed {
		return bus.SubjectScanSkipped, bus.NewScanOutcome(req, "not_needed", "")
	}

	outcome, err := w.module.Process(ctx, req.Scan, scan)
	if err != nil {
		log.Error().Err(err).Msg("execute")
		return bus.SubjectScanFailed, bus.NewScanOutcome(req, "error", err.Error())
	}

	log.Info().Str("outcome", string(outcome)).Msg("scan processed")
	switch outcome {
	case OutcomeConverted:
		return bus.SubjectScanConverted, bus.NewScanOutcome(req, string(outcome), "")
	case OutcomeFailed:
		return bus.SubjectScanFailed, bus.NewScanOutcome(req, string(outcome), MsgConversionFailed)
	case OutcomeInvalid:
		return bus.SubjectScanFailed, bus.NewScanOutcome(req, string(outcome), MsgInvalidJSON)
	default:
		return bus.SubjectScanSkipped, bus.NewScanOutcome(req, string(outcome), "")
	}
}
