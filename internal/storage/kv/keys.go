package kv

import "github.com/google/uuid"

// Key families under the namespace prefix.
const (
	fileSegment     = "file_"
	metadataSegment = "meta_"
	usageSegment    = "usage"
	probeSegment    = "probe_"
)

// Keys generates namespaced store keys.
//
// Example with prefix "folio_":
//
//	file:     "folio_file_lq3k9x2a-1f0c9e4b-k2m9x0qa"
//	usage:    "folio_usage"
//	metadata: "folio_meta_profile"
type Keys struct {
	Prefix string
}

// NewKeys creates a key generator for prefix.
func NewKeys(prefix string) Keys {
	return Keys{Prefix: prefix}
}

// File returns the key of a file entry.
func (k Keys) File(id string) string {
	return k.FilePrefix() + id
}

// FilePrefix returns the prefix shared by all file entries.
func (k Keys) FilePrefix() string {
	return k.Prefix + fileSegment
}

// Usage returns the key of the running usage counter.
func (k Keys) Usage() string {
	return k.Prefix + usageSegment
}

// Metadata returns the key of an application metadata entry.
func (k Keys) Metadata(key string) string {
	return k.Prefix + metadataSegment + key
}

// Probe returns a unique key for a write/read/delete capability check.
func (k Keys) Probe() string {
	return k.Prefix + probeSegment + uuid.NewString()
}
