// Package service provides the storage facade used by the portfolio pages.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/folio-storage/internal/domain"
	"github.com/prn-tf/folio-storage/internal/metrics"
	"github.com/prn-tf/folio-storage/internal/quota"
	"github.com/prn-tf/folio-storage/internal/recovery"
	"github.com/prn-tf/folio-storage/internal/storage"
)

// State is the lifecycle state of the storage service.
type State string

const (
	StateUninitialized  State = "UNINITIALIZED"
	StateUsingDurableDB State = "USING_DURABLE_DB"
	StateUsingKVString  State = "USING_KV_STRING"
	StateUsingMemory    State = "USING_MEMORY"
	StateClosed         State = "CLOSED"
)

var stateFor = map[domain.StorageMethod]State{
	domain.MethodDurableDB: StateUsingDurableDB,
	domain.MethodKVString:  StateUsingKVString,
	domain.MethodMemory:    StateUsingMemory,
}

var allMethods = []string{
	string(domain.MethodDurableDB),
	string(domain.MethodKVString),
	string(domain.MethodMemory),
}

// FileProcessor validates and prepares files before they are stored.
type FileProcessor interface {
	ValidateFile(file *domain.File, category domain.Category) error
	ProcessFile(ctx context.Context, file *domain.File, category domain.Category) (*domain.ProcessedFile, error)
	GenerateFileID(file *domain.File) (string, error)
}

// Providers are the backends in fallback order. A nil provider is skipped.
type Providers struct {
	Durable storage.Provider
	KV      storage.Provider
	Memory  storage.Provider
}

// FallbackListener receives the one-time fallback notification.
type FallbackListener func(domain.FallbackEvent)

// StorageService picks the best available backend and delegates every
// operation to it, falling back to key-value storage when the durable
// database becomes unavailable.
type StorageService struct {
	providers Providers
	processor FileProcessor
	tracker   *quota.Tracker
	retrier   *recovery.Retrier
	executor  *recovery.Executor
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	// initMu serializes initialization and backend switches.
	initMu sync.Mutex

	mu               sync.RWMutex
	state            State
	backend          storage.Backend
	capability       *domain.Capability
	usage            *domain.StorageUsage
	fallbackNotified bool
	listeners        []FallbackListener
}

// NewStorageService creates an uninitialized storage service.
func NewStorageService(
	providers Providers,
	processor FileProcessor,
	tracker *quota.Tracker,
	retrier *recovery.Retrier,
	autoDeleteCorrupted bool,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *StorageService {
	s := &StorageService{
		providers: providers,
		processor: processor,
		tracker:   tracker,
		retrier:   retrier,
		metrics:   m,
		logger:    logger.With().Str("service", "storage").Logger(),
		state:     StateUninitialized,
	}
	s.executor = recovery.NewExecutor(recovery.Actions{
		FallbackToKV: s.recoverToKV,
		DeleteFile:   s.deleteCorrupted,
	}, autoDeleteCorrupted, logger)
	return s
}

// =============================================================================
// Lifecycle
// =============================================================================

// InitializeStorage probes the backends in order and activates the first one
// that works. It is a no-op while a backend is active.
func (s *StorageService) InitializeStorage(ctx context.Context) (*domain.Capability, error) {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	s.mu.RLock()
	if s.backend != nil {
		c := *s.capability
		s.mu.RUnlock()
		return &c, nil
	}
	s.mu.RUnlock()

	return s.initialize(ctx)
}

// initialize must be called with initMu held.
func (s *StorageService) initialize(ctx context.Context) (*domain.Capability, error) {
	var causes []error

	if p := s.providers.Durable; p != nil {
		b, err := s.open(ctx, p)
		if err == nil {
			return s.activate(ctx, b, ""), nil
		}
		s.logger.Warn().Err(err).Msg("durable storage unavailable")
		causes = append(causes, err)
	}

	if p := s.providers.KV; p != nil {
		b, err := s.open(ctx, p)
		if err == nil {
			c := s.activate(ctx, b, "")
			if s.providers.Durable != nil {
				s.metrics.RecordFallback(string(domain.MethodDurableDB), string(domain.MethodKVString))
				s.notifyFallback(c)
			}
			return c, nil
		}
		s.logger.Warn().Err(err).Msg("key-value storage unavailable")
		causes = append(causes, err)
	}

	if p := s.providers.Memory; p != nil {
		b, err := s.open(ctx, p)
		if err == nil {
			warning := "persistent storage is unavailable, files are kept in memory and will be lost on restart"
			s.logger.Warn().Msg(warning)
			return s.activate(ctx, b, warning), nil
		}
		causes = append(causes, err)
	}

	err := domain.NewStorageError(domain.KindStorageUnavailable,
		"no storage backend is available", errors.Join(causes...))

	s.mu.Lock()
	s.state = StateUninitialized
	s.mu.Unlock()
	s.metrics.SetActiveBackend("", allMethods...)

	s.logger.Error().Err(err).Msg("storage initialization failed")
	return &domain.Capability{Method: domain.MethodNone, Error: err}, err
}

// open probes a provider and initializes a fresh backend from it.
func (s *StorageService) open(ctx context.Context, p storage.Provider) (storage.Backend, error) {
	if err := p.Probe(ctx); err != nil {
		return nil, err
	}
	b := p.New()
	if err := b.Initialize(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// activate makes b the current backend. initMu must be held.
func (s *StorageService) activate(ctx context.Context, b storage.Backend, warning string) *domain.Capability {
	method := b.Method()
	c := &domain.Capability{
		Method:    method,
		Available: true,
		Warning:   warning,
	}

	var snapshot *domain.StorageUsage
	if usage, err := b.GetStorageUsage(ctx); err == nil {
		c.EstimatedQuota = usage.Total()
		snapshot = &usage
		s.metrics.SetUsage(string(method), usage.Used, usage.Percentage)
	}

	s.mu.Lock()
	s.backend = b
	s.state = stateFor[method]
	s.capability = c
	s.usage = snapshot
	s.mu.Unlock()

	s.tracker.Reset()
	s.metrics.SetActiveBackend(string(method), allMethods...)
	s.logger.Info().
		Str("method", string(method)).
		Int64("estimated_quota", c.EstimatedQuota).
		Msg("storage initialized")

	cp := *c
	return &cp
}

// Close releases the active backend. The next operation probes again.
func (s *StorageService) Close() error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	s.mu.Lock()
	b := s.backend
	s.backend = nil
	s.capability = nil
	s.usage = nil
	s.state = StateClosed
	s.mu.Unlock()

	s.metrics.SetActiveBackend("", allMethods...)
	if b == nil {
		return nil
	}
	return b.Close()
}

// State returns the current lifecycle state.
func (s *StorageService) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Method returns the active storage method, or MethodNone.
func (s *StorageService) Method() domain.StorageMethod {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.backend == nil {
		return domain.MethodNone
	}
	return s.backend.Method()
}

// OnFallback registers a listener for the fallback notification.
func (s *StorageService) OnFallback(listener FallbackListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, listener)
	s.mu.Unlock()
}

// notifyFallback delivers the fallback event at most once per service.
func (s *StorageService) notifyFallback(c *domain.Capability) {
	s.mu.Lock()
	if s.fallbackNotified {
		s.mu.Unlock()
		return
	}
	s.fallbackNotified = true
	listeners := append([]FallbackListener(nil), s.listeners...)
	s.mu.Unlock()

	event := domain.FallbackEvent{
		Method: domain.MethodKVString,
		Message: fmt.Sprintf("durable storage is unavailable, using key-value storage limited to %s",
			humanize.IBytes(uint64(c.EstimatedQuota))),
		Capacity: c.EstimatedQuota,
	}
	s.logger.Warn().
		Int64("capacity", event.Capacity).
		Msg("falling back to key-value storage")

	for _, l := range listeners {
		l(event)
	}
}

// =============================================================================
// Operation plumbing
// =============================================================================

func (s *StorageService) current(ctx context.Context) (storage.Backend, error) {
	s.mu.RLock()
	b := s.backend
	s.mu.RUnlock()
	if b != nil {
		return b, nil
	}

	if _, err := s.InitializeStorage(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.backend == nil {
		return nil, domain.NewStorageError(domain.KindStorageUnavailable, "storage was closed", nil)
	}
	return s.backend, nil
}

type operation func(ctx context.Context, b storage.Backend) error

// execute runs op against the active backend with transient retries and the
// durable to key-value fallback.
func (s *StorageService) execute(ctx context.Context, name, opID string, op operation) error {
	if opID == "" {
		opID = name + ":" + uuid.NewString()
	}

	return s.retrier.Do(ctx, opID, func(ctx context.Context) error {
		b, err := s.current(ctx)
		if err != nil {
			return err
		}

		err = s.run(ctx, name, b, op)
		if err != nil && b.Method() == domain.MethodDurableDB && domain.IsKind(err, domain.KindDurableUnavailable) {
			return s.fallback(ctx, name, b, err, op)
		}
		return err
	})
}

func (s *StorageService) run(ctx context.Context, name string, b storage.Backend, op operation) error {
	start := time.Now()
	err := op(ctx, b)
	s.metrics.RecordOperation(name, string(b.Method()), start, err)
	return err
}

// fallback switches from the failed durable backend to key-value storage
// once and replays op there.
func (s *StorageService) fallback(ctx context.Context, name string, failed storage.Backend, cause error, op operation) error {
	s.initMu.Lock()

	s.mu.RLock()
	active := s.backend
	s.mu.RUnlock()

	// Another operation already handled the failure.
	if active != failed {
		s.initMu.Unlock()
		if active == nil {
			return cause
		}
		return s.run(ctx, name, active, op)
	}

	s.logger.Warn().Err(cause).Str("operation", name).Msg("durable storage failed, trying key-value storage")

	var kvb storage.Backend
	err := errors.New("key-value storage is not configured")
	if s.providers.KV != nil {
		kvb, err = s.open(ctx, s.providers.KV)
	}
	if err != nil {
		s.mu.Lock()
		s.backend = nil
		s.capability = nil
		s.usage = nil
		s.state = StateUninitialized
		s.mu.Unlock()
		s.initMu.Unlock()

		failed.Close()
		s.metrics.SetActiveBackend("", allMethods...)
		s.logger.Error().Err(err).Msg("key-value fallback failed")
		return fmt.Errorf("fallback to key-value storage failed (%v): %w", err, cause)
	}

	failed.Close()
	c := s.activate(ctx, kvb, "")
	s.initMu.Unlock()

	s.metrics.RecordFallback(string(domain.MethodDurableDB), string(domain.MethodKVString))
	s.notifyFallback(c)

	return s.run(ctx, name, kvb, op)
}

// recoverToKV is the recovery action for durable unavailability reported
// outside an operation.
func (s *StorageService) recoverToKV(ctx context.Context) error {
	s.mu.RLock()
	b := s.backend
	s.mu.RUnlock()

	if b != nil && b.Method() != domain.MethodDurableDB {
		return nil
	}
	if b == nil {
		_, err := s.InitializeStorage(ctx)
		return err
	}
	cause := domain.NewBackendError(domain.KindDurableUnavailable, domain.MethodDurableDB, "recover", "durable storage reported unavailable", nil)
	return s.fallback(ctx, "recover", b, cause, func(context.Context, storage.Backend) error { return nil })
}

func (s *StorageService) deleteCorrupted(ctx context.Context, id string) error {
	b, err := s.current(ctx)
	if err != nil {
		return err
	}
	if err := b.DeleteFile(ctx, id); err != nil {
		return err
	}
	s.refreshUsage(ctx, b)
	s.tracker.Reset()
	return nil
}

// refreshUsage updates the usage snapshot from b.
func (s *StorageService) refreshUsage(ctx context.Context, b storage.Backend) (domain.StorageUsage, bool) {
	usage, err := b.GetStorageUsage(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Msg("failed to refresh storage usage")
		return domain.StorageUsage{}, false
	}

	s.mu.Lock()
	if s.backend == b {
		s.usage = &usage
	}
	s.mu.Unlock()

	s.metrics.SetUsage(string(b.Method()), usage.Used, usage.Percentage)
	return usage, true
}

func (s *StorageService) snapshot() (domain.StorageUsage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.usage == nil {
		return domain.StorageUsage{}, false
	}
	return *s.usage, true
}

// =============================================================================
// Operations
// =============================================================================

// StoreFile validates, processes and stores a file and returns its id.
func (s *StorageService) StoreFile(ctx context.Context, file *domain.File, category domain.Category) (string, error) {
	if err := s.processor.ValidateFile(file, category); err != nil {
		return "", err
	}

	size := file.ContentSize()
	if usage, ok := s.snapshot(); ok && !s.tracker.CanStoreFile(size, usage) {
		return "", domain.NewStorageError(domain.KindQuotaExceeded,
			fmt.Sprintf("not enough space for %s (%s available)",
				humanize.IBytes(uint64(size)), humanize.IBytes(uint64(usage.Available))), nil)
	}

	processed, err := s.processor.ProcessFile(ctx, file, category)
	if err != nil {
		return "", err
	}
	if processed.Compressed {
		s.logger.Debug().
			Str("file", file.Name).
			Int64("original_size", processed.OriginalSize).
			Int64("final_size", processed.FinalSize).
			Msg("image compressed")
	}

	id, err := s.processor.GenerateFileID(file)
	if err != nil {
		return "", domain.NewStorageError(domain.KindStorageUnavailable, "failed to generate file id", err)
	}

	var stored storage.Backend
	err = s.execute(ctx, "store", "store:"+id, func(ctx context.Context, b storage.Backend) error {
		stored = b
		return b.StoreFile(ctx, id, file, category, processed)
	})
	if err != nil {
		if domain.IsKind(err, domain.KindQuotaExceeded) && stored != nil {
			s.refreshUsage(ctx, stored)
		}
		return "", err
	}

	if usage, ok := s.refreshUsage(ctx, stored); ok {
		if w := s.tracker.CheckStorageUsage(usage); w != nil {
			s.logger.Warn().
				Str("severity", string(w.Severity)).
				Float64("percentage", w.Percentage).
				Msg(w.Message)
		}
	}

	s.logger.Info().
		Str("file_id", id).
		Str("name", file.Name).
		Str("category", string(category)).
		Str("method", string(stored.Method())).
		Msg("file stored")

	return id, nil
}

// RetrieveFile returns the file with id, or nil if it does not exist.
func (s *StorageService) RetrieveFile(ctx context.Context, id string) (*domain.File, error) {
	var file *domain.File
	var from storage.Backend
	err := s.execute(ctx, "retrieve", "", func(ctx context.Context, b storage.Backend) error {
		from = b
		f, err := b.RetrieveFile(ctx, id)
		file = f
		return err
	})

	if domain.IsKind(err, domain.KindFileCorrupted) {
		if from != nil {
			s.metrics.RecordChecksumFailure(string(from.Method()))
		}
		out := s.executor.Recover(ctx, err, id)
		s.logger.Error().
			Err(err).
			Str("file_id", id).
			Bool("removed", out.Recovered).
			Msg("corrupted file detected")
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return file, nil
}

// DeleteFile removes a file. Deleting an unknown id is not an error.
func (s *StorageService) DeleteFile(ctx context.Context, id string) error {
	var from storage.Backend
	err := s.execute(ctx, "delete", "", func(ctx context.Context, b storage.Backend) error {
		from = b
		return b.DeleteFile(ctx, id)
	})
	if err != nil {
		return err
	}

	s.refreshUsage(ctx, from)
	s.tracker.Reset()
	return nil
}

// ListFiles lists stored files, newest first. An empty category lists all.
func (s *StorageService) ListFiles(ctx context.Context, category domain.Category) ([]domain.StoredFileInfo, error) {
	if category != "" && !category.IsValid() {
		return nil, domain.NewStorageError(domain.KindValidationFailed,
			fmt.Sprintf("unknown category %q", category), nil)
	}

	var infos []domain.StoredFileInfo
	err := s.execute(ctx, "list", "", func(ctx context.Context, b storage.Backend) error {
		list, err := b.ListFiles(ctx, category)
		infos = list
		return err
	})
	if err != nil {
		return nil, err
	}
	return infos, nil
}

// GetStorageUsage returns the usage of the active backend.
func (s *StorageService) GetStorageUsage(ctx context.Context) (domain.StorageUsage, error) {
	var usage domain.StorageUsage
	var from storage.Backend
	err := s.execute(ctx, "usage", "", func(ctx context.Context, b storage.Backend) error {
		from = b
		u, err := b.GetStorageUsage(ctx)
		usage = u
		return err
	})
	if err != nil {
		return domain.StorageUsage{}, err
	}

	s.mu.Lock()
	if s.backend == from {
		s.usage = &usage
	}
	s.mu.Unlock()
	s.metrics.SetUsage(string(from.Method()), usage.Used, usage.Percentage)

	return usage, nil
}

// ClearAllFiles removes every stored file. Application metadata is kept.
func (s *StorageService) ClearAllFiles(ctx context.Context) error {
	var from storage.Backend
	err := s.execute(ctx, "clear", "", func(ctx context.Context, b storage.Backend) error {
		from = b
		return b.ClearAllFiles(ctx)
	})
	if err != nil {
		return err
	}

	s.refreshUsage(ctx, from)
	s.tracker.Reset()
	s.logger.Info().Str("method", string(from.Method())).Msg("all files cleared")
	return nil
}

// StoreMetadata stores a JSON-serializable application value under key.
func (s *StorageService) StoreMetadata(ctx context.Context, key string, value any) error {
	return s.execute(ctx, "store_metadata", "", func(ctx context.Context, b storage.Backend) error {
		return b.StoreMetadata(ctx, key, value)
	})
}

// RetrieveMetadata returns the value stored under key, or nil.
func (s *StorageService) RetrieveMetadata(ctx context.Context, key string) (json.RawMessage, error) {
	var value json.RawMessage
	err := s.execute(ctx, "retrieve_metadata", "", func(ctx context.Context, b storage.Backend) error {
		v, err := b.RetrieveMetadata(ctx, key)
		value = v
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// UploadWarning evaluates a prospective upload of size bytes against the
// last usage snapshot. It returns nil when there is nothing to report.
func (s *StorageService) UploadWarning(size int64) *quota.Warning {
	usage, ok := s.snapshot()
	if !ok {
		return nil
	}
	return s.tracker.GetUploadWarning(size, usage)
}

// Recover runs the automatic recovery strategies for err.
func (s *StorageService) Recover(ctx context.Context, err error, fileID string) recovery.Outcome {
	return s.executor.Recover(ctx, err, fileID)
}
