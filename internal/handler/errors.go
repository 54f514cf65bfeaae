package handler

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/prn-tf/folio-storage/internal/domain"
	"github.com/prn-tf/folio-storage/internal/recovery"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Kind        domain.ErrorKind    `json:"kind"`
	Message     string              `json:"message"`
	Severity    domain.Severity     `json:"severity"`
	Recoverable bool                `json:"recoverable"`
	Actions     []recovery.Strategy `json:"actions,omitempty"`
	RequestID   string              `json:"requestId,omitempty"`
}

var statusByKind = map[domain.ErrorKind]int{
	domain.KindQuotaExceeded:      http.StatusInsufficientStorage,
	domain.KindDurableUnavailable: http.StatusServiceUnavailable,
	domain.KindFileNotFound:       http.StatusNotFound,
	domain.KindFileCorrupted:      http.StatusInternalServerError,
	domain.KindInvalidFileType:    http.StatusUnsupportedMediaType,
	domain.KindFileTooLarge:       http.StatusRequestEntityTooLarge,
	domain.KindStorageUnavailable: http.StatusServiceUnavailable,
	domain.KindCompressionFailed:  http.StatusUnprocessableEntity,
	domain.KindValidationFailed:   http.StatusBadRequest,
}

// StatusFor returns the HTTP status code for an error kind.
func StatusFor(kind domain.ErrorKind) int {
	if status, ok := statusByKind[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// writeError classifies err and renders it as an ErrorResponse.
func writeError(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, err error) {
	se := recovery.Classify(err)
	out := recovery.Describe(se)
	status := StatusFor(se.Kind)

	msg := se.Message
	if msg == "" {
		msg = se.Error()
	}

	ev := logger.Debug()
	if status >= http.StatusInternalServerError {
		ev = logger.Error()
	}
	ev.Err(err).
		Str("request_id", RequestIDFrom(r.Context())).
		Str("kind", string(se.Kind)).
		Int("status", status).
		Msg("request failed")

	writeJSON(w, status, ErrorResponse{
		Kind:        se.Kind,
		Message:     msg,
		Severity:    se.Severity(),
		Recoverable: se.Recoverable(),
		Actions:     out.ManualActions,
		RequestID:   RequestIDFrom(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
