package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DefaultPollInterval matches the UI's download progress poll.
const DefaultPollInterval = 500 * time.Millisecond

// TransferProgress mirrors the server's transfer-progress document.
type TransferProgress struct {
	FileID           string  `json:"fileId"`
	TotalSize        int64   `json:"totalSize"`
	BytesTransferred int64   `json:"bytesTransferred"`
	State            string  `json:"state"`
	Percent          float64 `json:"percent"`
	Rate             int64   `json:"rate"`
	ETASeconds       int64   `json:"etaSeconds"`
}

// Done reports whether the transfer has reached a terminal state.
func (p TransferProgress) Done() bool {
	switch p.State {
	case "completed", "failed", "cancelled":
		return true
	}
	return p.Percent >= 100
}

// PollProgress polls the given progress URL at the given interval,
// invoking fn with each reading, until the transfer reports completion
// or ctx is cancelled. A zero interval uses DefaultPollInterval.
// Individual failed polls are skipped; only cancellation stops the loop
// before completion.
func PollProgress(ctx context.Context, hc *http.Client, progressURL string, interval time.Duration, fn func(TransferProgress)) error {
	if hc == nil {
		hc = http.DefaultClient
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p, err := fetchProgress(ctx, hc, progressURL)
			if err != nil {
				continue
			}
			if fn != nil {
				fn(p)
			}
			if p.Done() {
				return nil
			}
		}
	}
}

func fetchProgress(ctx context.Context, hc *http.Client, progressURL string) (TransferProgress, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, progressURL, nil)
	if err != nil {
		return TransferProgress{}, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return TransferProgress{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return TransferProgress{}, fmt.Errorf("progress fetch: status %d", resp.StatusCode)
	}
	var p TransferProgress
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return TransferProgress{}, fmt.Errorf("decode progress: %w", err)
	}
	return p, nil
}
