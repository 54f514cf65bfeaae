// Package quota tracks storage usage against warning and error thresholds.
package quota

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/prn-tf/folio-storage/internal/config"
	"github.com/prn-tf/folio-storage/internal/domain"
)

// Default thresholds in percent.
const (
	DefaultWarningThreshold = 80.0
	DefaultErrorThreshold   = 95.0
)

// Warning describes usage that crossed a threshold.
type Warning struct {
	Severity   domain.Severity `json:"severity"`
	Message    string          `json:"message"`
	Percentage float64         `json:"percentage"`
}

// Tracker evaluates usage snapshots against thresholds.
// It is safe for concurrent use.
type Tracker struct {
	warningThreshold float64
	errorThreshold   float64

	mu           sync.Mutex
	lastNotified float64
}

// NewTracker creates a tracker. Non-positive thresholds fall back to the defaults.
func NewTracker(cfg config.QuotaConfig) *Tracker {
	t := &Tracker{
		warningThreshold: cfg.WarningThreshold,
		errorThreshold:   cfg.ErrorThreshold,
	}
	if t.warningThreshold <= 0 {
		t.warningThreshold = DefaultWarningThreshold
	}
	if t.errorThreshold <= 0 {
		t.errorThreshold = DefaultErrorThreshold
	}
	if t.warningThreshold > t.errorThreshold {
		t.warningThreshold = t.errorThreshold
	}
	return t
}

// Thresholds returns the warning and error thresholds in percent.
func (t *Tracker) Thresholds() (warning, errThreshold float64) {
	return t.warningThreshold, t.errorThreshold
}

// Projected returns the usage percentage after writing size more bytes.
// It reports false when the snapshot carries no capacity information.
func Projected(size int64, usage domain.StorageUsage) (float64, bool) {
	total := usage.Total()
	if total <= 0 {
		return 0, false
	}
	return float64(usage.Used+size) / float64(total) * 100, true
}

// CanStoreFile reports whether a write of size bytes keeps projected usage
// below the error threshold.
func (t *Tracker) CanStoreFile(size int64, usage domain.StorageUsage) bool {
	pct, ok := Projected(size, usage)
	if !ok {
		return true
	}
	return pct < t.errorThreshold
}

// GetUploadWarning returns a warning for a prospective write of size bytes,
// or nil when projected usage stays below the warning threshold.
func (t *Tracker) GetUploadWarning(size int64, usage domain.StorageUsage) *Warning {
	pct, ok := Projected(size, usage)
	if !ok {
		return nil
	}

	switch {
	case pct >= t.errorThreshold:
		return &Warning{
			Severity:   domain.SeverityError,
			Percentage: pct,
			Message: fmt.Sprintf("uploading %s would fill storage to %.0f%% (%s available); free space before uploading",
				humanize.IBytes(uint64(max(size, 0))), pct, humanize.IBytes(uint64(usage.Available))),
		}
	case pct >= t.warningThreshold:
		return &Warning{
			Severity:   domain.SeverityWarning,
			Percentage: pct,
			Message: fmt.Sprintf("uploading %s will bring storage to %.0f%% (%s available)",
				humanize.IBytes(uint64(max(size, 0))), pct, humanize.IBytes(uint64(usage.Available))),
		}
	}
	return nil
}

// CheckStorageUsage returns a warning when usage is at or above the warning
// threshold and has increased since the last warning. It returns nil otherwise.
func (t *Tracker) CheckStorageUsage(usage domain.StorageUsage) *Warning {
	pct := usage.Percentage
	if pct < t.warningThreshold {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if pct <= t.lastNotified {
		return nil
	}
	t.lastNotified = pct

	severity := domain.SeverityWarning
	msg := fmt.Sprintf("storage is %.0f%% full (%s of %s used)",
		pct, humanize.IBytes(uint64(usage.Used)), humanize.IBytes(uint64(usage.Total())))
	if pct >= t.errorThreshold {
		severity = domain.SeverityError
		msg += "; new uploads will be rejected until files are deleted"
	}
	return &Warning{Severity: severity, Message: msg, Percentage: pct}
}

// Reset forgets the last notified percentage. Call it after space is freed.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.lastNotified = 0
	t.mu.Unlock()
}
