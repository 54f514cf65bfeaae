package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/prn-tf/folio-storage/internal/domain"
	"github.com/prn-tf/folio-storage/internal/pkg/crypto"
	"github.com/prn-tf/folio-storage/internal/quota"
	"github.com/prn-tf/folio-storage/internal/service"
)

// Storage is the storage facade the handlers call.
type Storage interface {
	InitializeStorage(ctx context.Context) (*domain.Capability, error)
	StoreFile(ctx context.Context, file *domain.File, category domain.Category) (string, error)
	RetrieveFile(ctx context.Context, id string) (*domain.File, error)
	DeleteFile(ctx context.Context, id string) error
	ListFiles(ctx context.Context, category domain.Category) ([]domain.StoredFileInfo, error)
	GetStorageUsage(ctx context.Context) (domain.StorageUsage, error)
	ClearAllFiles(ctx context.Context) error
	StoreMetadata(ctx context.Context, key string, value any) error
	RetrieveMetadata(ctx context.Context, key string) (json.RawMessage, error)
	UploadWarning(size int64) *quota.Warning
	State() service.State
}

var _ Storage = (*service.StorageService)(nil)

// FileHandler serves the file and metadata API.
type FileHandler struct {
	storage     Storage
	maxBodySize int64
	logger      zerolog.Logger
}

// NewFileHandler creates a FileHandler. A maxBodySize <= 0 disables the limit.
func NewFileHandler(storage Storage, maxBodySize int64, logger zerolog.Logger) *FileHandler {
	return &FileHandler{
		storage:     storage,
		maxBodySize: maxBodySize,
		logger:      logger.With().Str("handler", "files").Logger(),
	}
}

// UploadResponse is returned by a successful upload.
type UploadResponse struct {
	ID      string         `json:"id"`
	Warning *quota.Warning `json:"warning,omitempty"`
}

// CapabilityResponse describes the active backend.
type CapabilityResponse struct {
	*domain.Capability
	State service.State `json:"state"`
	Error string        `json:"error,omitempty"`
}

// RegisterRoutes registers the file API routes.
func (h *FileHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/capability", h.handleCapability)
		r.Get("/usage", h.handleUsage)

		r.Get("/files", h.handleList)
		r.Post("/files", h.handleUpload)
		r.Delete("/files", h.handleClear)
		r.Get("/files/{id}", h.handleGet)
		r.Delete("/files/{id}", h.handleDelete)

		r.Get("/metadata/{key}", h.handleGetMetadata)
		r.Put("/metadata/{key}", h.handlePutMetadata)
	})
}

// =============================================================================
// Files
// =============================================================================

func (h *FileHandler) handleList(w http.ResponseWriter, r *http.Request) {
	category, err := domain.ParseCategory(r.URL.Query().Get("category"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	infos, err := h.storage.ListFiles(r.Context(), category)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *FileHandler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if h.maxBodySize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	}

	part, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, h.logger, domain.NewStorageError(domain.KindFileTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), err))
			return
		}
		writeError(w, r, h.logger, domain.NewStorageError(domain.KindValidationFailed,
			"multipart field \"file\" is required", err))
		return
	}
	defer part.Close()

	category := domain.Category(r.FormValue("category"))

	data, err := crypto.ReadFile(part, h.maxBodySize)
	if err != nil {
		writeError(w, r, h.logger, domain.NewStorageError(domain.KindFileTooLarge, "file exceeds the upload limit", err))
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = mt
	}
	file := domain.NewFile(header.Filename, mimeType, data)

	warning := h.storage.UploadWarning(file.ContentSize())
	if warning != nil && warning.Severity != domain.SeverityWarning {
		warning = nil
	}

	id, err := h.storage.StoreFile(r.Context(), file, category)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Location", "/api/files/"+id)
	writeJSON(w, http.StatusCreated, UploadResponse{ID: id, Warning: warning})
}

func (h *FileHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	file, err := h.storage.RetrieveFile(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if file == nil {
		writeError(w, r, h.logger, domain.NewStorageError(domain.KindFileNotFound,
			fmt.Sprintf("file %q not found", id), nil))
		return
	}

	contentType := file.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(file.Data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": file.Name}))
	if !file.LastModified.IsZero() {
		w.Header().Set("Last-Modified", file.LastModified.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(file.Data)
}

func (h *FileHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.storage.DeleteFile(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *FileHandler) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := h.storage.ClearAllFiles(r.Context()); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Storage status
// =============================================================================

func (h *FileHandler) handleUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.storage.GetStorageUsage(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (h *FileHandler) handleCapability(w http.ResponseWriter, r *http.Request) {
	c, err := h.storage.InitializeStorage(r.Context())
	resp := CapabilityResponse{Capability: c, State: h.storage.State()}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Metadata
// =============================================================================

func (h *FileHandler) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	value, err := h.storage.RetrieveMetadata(r.Context(), key)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if value == nil {
		writeError(w, r, h.logger, domain.NewStorageError(domain.KindFileNotFound,
			fmt.Sprintf("metadata %q not found", key), nil))
		return
	}
	writeJSON(w, http.StatusOK, value)
}

func (h *FileHandler) handlePutMetadata(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	body, err := crypto.ReadFile(r.Body, h.maxBodySize)
	if err != nil {
		writeError(w, r, h.logger, domain.NewStorageError(domain.KindValidationFailed, "failed to read metadata", err))
		return
	}
	if !json.Valid(body) {
		writeError(w, r, h.logger, domain.NewStorageError(domain.KindValidationFailed, "metadata must be valid JSON", nil))
		return
	}

	if err := h.storage.StoreMetadata(r.Context(), key, json.RawMessage(body)); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
