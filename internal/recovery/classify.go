// Package recovery classifies storage failures and runs their recovery strategies.
package recovery

import (
	"context"
	"errors"
	"strings"

	"github.com/prn-tf/folio-storage/internal/domain"
	"github.com/prn-tf/folio-storage/internal/storage/kv"
)

var quotaPatterns = []string{
	"quota",
	"is full",
	"store full",
	"no space left",
	"oom command not allowed",
}

// Classify maps any error onto the storage error taxonomy.
// Classified errors pass through unchanged. Unknown failures become
// STORAGE_UNAVAILABLE with the original error kept as the cause.
func Classify(err error) *domain.StorageError {
	if err == nil {
		return nil
	}
	if se, ok := domain.AsStorageError(err); ok {
		return se
	}

	switch {
	case errors.Is(err, context.Canceled):
		return domain.NewStorageError(domain.KindStorageUnavailable, "operation canceled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return domain.NewStorageError(domain.KindStorageUnavailable, "operation timed out", err)
	case errors.Is(err, kv.ErrStoreFull):
		return domain.NewStorageError(domain.KindQuotaExceeded, "storage is full", err)
	}

	msg := strings.ToLower(err.Error())
	for _, p := range quotaPatterns {
		if strings.Contains(msg, p) {
			return domain.NewStorageError(domain.KindQuotaExceeded, "storage is full", err)
		}
	}

	return domain.NewStorageError(domain.KindStorageUnavailable, "storage operation failed", err)
}

// Retryable reports whether failures of kind are retried with backoff.
// Durable database unavailability is handled by fallback instead.
func Retryable(kind domain.ErrorKind) bool {
	return kind == domain.KindStorageUnavailable
}
