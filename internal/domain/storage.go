package domain

import "math"

// StorageMethod identifies one of the persistence variants.
type StorageMethod string

const (
	// MethodDurableDB is the transactional, binary-capable database backend.
	MethodDurableDB StorageMethod = "durable_db"

	// MethodKVString is the string-only key-value backend with a small quota.
	MethodKVString StorageMethod = "kv_string"

	// MethodMemory is the non-persistent in-process backend.
	MethodMemory StorageMethod = "memory"

	// MethodNone means no backend is active.
	MethodNone StorageMethod = "none"
)

// IsPersistent returns true if data survives a restart.
func (m StorageMethod) IsPersistent() bool {
	return m == MethodDurableDB || m == MethodKVString
}

// StorageUsage is a derived view of how much of a backend's quota is consumed.
type StorageUsage struct {
	Used       int64   `json:"used"`
	Available  int64   `json:"available"`
	Percentage float64 `json:"percentage"`
}

// NewStorageUsage computes usage from bytes used and the total quota.
func NewStorageUsage(used, quota int64) StorageUsage {
	if used < 0 {
		used = 0
	}
	available := quota - used
	if available < 0 {
		available = 0
	}
	var pct float64
	if quota > 0 {
		pct = math.Min(100, float64(used)/float64(quota)*100)
	} else if used > 0 {
		pct = 100
	}
	return StorageUsage{
		Used:       used,
		Available:  available,
		Percentage: pct,
	}
}

// Total returns used plus available bytes.
func (u StorageUsage) Total() int64 {
	return u.Used + u.Available
}

// Capability is the result of backend detection at startup.
type Capability struct {
	Method         StorageMethod `json:"method"`
	Available      bool          `json:"available"`
	EstimatedQuota int64         `json:"estimatedQuota,omitempty"`
	Warning        string        `json:"warning,omitempty"`
	Error          error         `json:"-"`
}

// FallbackEvent is broadcast once when storage degrades to the KV-string backend.
type FallbackEvent struct {
	Method   StorageMethod `json:"method"`
	Message  string        `json:"message"`
	Capacity int64         `json:"capacity"`
}
