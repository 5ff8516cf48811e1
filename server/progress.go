package server

import (
	"io"
	"sync"
	"time"
)

// TransferState is the lifecycle of one tracked transfer.
type TransferState string

const (
	TransferInitialized TransferState = "initialized"
	TransferInProgress  TransferState = "in_progress"
	TransferCompleted   TransferState = "completed"
	TransferFailed      TransferState = "failed"
	TransferCancelled   TransferState = "cancelled"
)

// TransferProgress tracks bytes moved for one file transfer.
type TransferProgress struct {
	FileID           string        `json:"fileId"`
	TotalSize        int64         `json:"totalSize"`
	BytesTransferred int64         `json:"bytesTransferred"`
	State            TransferState `json:"state"`
	StartedAt        time.Time     `json:"startedAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// Percent returns completion in the 0-100 range.
func (p TransferProgress) Percent() float64 {
	if p.TotalSize == 0 {
		return 0
	}
	return float64(p.BytesTransferred) / float64(p.TotalSize) * 100
}

// Rate returns the average transfer rate in bytes per second.
func (p TransferProgress) Rate() int64 {
	elapsed := p.UpdatedAt.Sub(p.StartedAt)
	if elapsed <= 0 {
		return 0
	}
	return int64(float64(p.BytesTransferred) / elapsed.Seconds())
}

// ETASeconds estimates remaining seconds, -1 when the rate is unknown.
func (p TransferProgress) ETASeconds() int64 {
	rate := p.Rate()
	if rate == 0 {
		return -1
	}
	return (p.TotalSize - p.BytesTransferred) / rate
}

// ProgressTracker keeps the live transfer table the progress endpoint
// serves. One entry per file; a new transfer for the same file replaces
// the previous record.
type ProgressTracker struct {
	mu        sync.RWMutex
	transfers map[string]*TransferProgress
}

// NewProgressTracker returns an empty tracker.
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{transfers: make(map[string]*TransferProgress)}
}

// Start registers a transfer of totalSize bytes for fileID.
func (t *ProgressTracker) Start(fileID string, totalSize int64) {
	now := time.Now().UTC()
	t.mu.Lock()
	t.transfers[fileID] = &TransferProgress{
		FileID:    fileID,
		TotalSize: totalSize,
		State:     TransferInitialized,
		StartedAt: now,
		UpdatedAt: now,
	}
	t.mu.Unlock()
}

// Update records n more transferred bytes. Reaching the total size
// moves the transfer to completed.
func (t *ProgressTracker) Update(fileID string, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.transfers[fileID]
	if !ok {
		return
	}
	p.BytesTransferred += n
	p.UpdatedAt = time.Now().UTC()
	if p.State == TransferInitialized {
		p.State = TransferInProgress
	}
	if p.BytesTransferred >= p.TotalSize {
		p.State = TransferCompleted
	}
}

// Complete marks the transfer completed. Needed for transfers that move
// no bytes (zero-size files), which Update alone can never finish.
func (t *ProgressTracker) Complete(fileID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.transfers[fileID]; ok {
		p.State = TransferCompleted
		p.UpdatedAt = time.Now().UTC()
	}
}

// Fail marks the transfer failed.
func (t *ProgressTracker) Fail(fileID string) { t.setState(fileID, TransferFailed) }

// Cancel marks the transfer cancelled.
func (t *ProgressTracker) Cancel(fileID string) { t.setState(fileID, TransferCancelled) }

func (t *ProgressTracker) setState(fileID string, state TransferState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.transfers[fileID]; ok && p.State != TransferCompleted {
		p.State = state
		p.UpdatedAt = time.Now().UTC()
	}
}

// Get returns a copy of the transfer record.
func (t *ProgressTracker) Get(fileID string) (TransferProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.transfers[fileID]
	if !ok {
		return TransferProgress{}, false
	}
	return *p, true
}

// countingReader reports bytes flowing through a download into the
// tracker, so a concurrent progress poll sees live numbers.
type countingReader struct {
	r       io.Reader
	tracker *ProgressTracker
	fileID  string
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.tracker.Update(c.fileID, int64(n))
	}
	return n, err
}
