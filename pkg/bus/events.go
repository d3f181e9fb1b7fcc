package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dcmjson/pkg/archive"
)

// Stream and subjects carrying scan conversion traffic.
const (
	StreamScans = "DCM2NIIX_SCANS"

	SubjectScanRequested = "dcm2niix.scans.requested"
	SubjectScanConverted = "dcm2niix.scans.converted"
	SubjectScanFailed    = "dcm2niix.scans.failed"
	SubjectScanSkipped   = "dcm2niix.scans.skipped"
)

// Subjects lists every subject bound to StreamScans.
func Subjects() []string {
	return []string{SubjectScanRequested, SubjectScanConverted, SubjectScanFailed, SubjectScanSkipped}
}

// ScanRequest asks a worker to process one scan.
type ScanRequest struct {
	ID          uuid.UUID        `json:"id"`
	Scan        archive.ScanInfo `json:"scan"`
	RequestedAt time.Time        `json:"requested_at"`
}

// NewScanRequest stamps a request for scan.
func NewScanRequest(scan archive.ScanInfo) ScanRequest {
	return ScanRequest{ID: uuid.New(), Scan: scan, RequestedAt: time.Now().UTC()}
}

// DecodeScanRequest parses and validates a request payload.
func DecodeScanRequest(data []byte) (ScanRequest, error) {
	var req ScanRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return ScanRequest{}, fmt.Errorf("decode scan request: %w", err)
	}
	if err := req.Scan.Validate(); err != nil {
		return ScanRequest{}, fmt.Errorf("scan request %s: %w", req.ID, err)
	}
	return req, nil
}

// ScanOutcome reports what a worker did with a request.
type ScanOutcome struct {
	ID        uuid.UUID        `json:"id"`
	RequestID uuid.UUID        `json:"request_id"`
	Scan      archive.ScanInfo `json:"scan"`
	Status    string           `json:"status"`
	Message   string           `json:"message,omitempty"`
	At        time.Time        `json:"at"`
}

// NewScanOutcome builds the outcome event answering req.
func NewScanOutcome(req ScanRequest, status, message string) ScanOutcome {
	return ScanOutcome{
		ID:        uuid.New(),
		RequestID: req.ID,
		Scan:      req.Scan,
		Status:    status,
		Message:   message,
		At:        time.Now().UTC(),
	}
}
