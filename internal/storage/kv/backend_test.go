package kv

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/folio-storage/internal/domain"
	"github.com/prn-tf/folio-storage/internal/pkg/crypto"
)

// =============================================================================
// Test helpers
// =============================================================================

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// countingStore wraps a Store and counts calls. Failures can be injected.
type countingStore struct {
	Store
	sets    int32
	gets    int32
	failGet error
	failSet error
}

func (s *countingStore) Get(ctx context.Context, key string) (string, error) {
	atomic.AddInt32(&s.gets, 1)
	if s.failGet != nil {
		return "", s.failGet
	}
	return s.Store.Get(ctx, key)
}

func (s *countingStore) Set(ctx context.Context, key, value string) error {
	atomic.AddInt32(&s.sets, 1)
	if s.failSet != nil {
		return s.failSet
	}
	return s.Store.Set(ctx, key, value)
}

func newTestBackend(t *testing.T, store Store, capacity int64) *Backend {
	t.Helper()
	clock := &steppingClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := NewBackend(Config{Prefix: "folio_", Capacity: capacity}, StaticOpener(store),
		crypto.NewChecksummer(zerolog.Nop()), zerolog.Nop(), WithClock(clock.Now))
	require.NoError(t, b.Initialize(context.Background()))
	t.Cleanup(func() { b.Close() })
	return b
}

func doc(name string, size int) *domain.File {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 253)
	}
	return domain.NewFile(name, "application/pdf", data)
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestBackend_Initialize_Idempotent(t *testing.T) {
	var opens int32
	store := &countingStore{Store: NewMemoryStore(0)}
	open := func(ctx context.Context) (Store, error) {
		atomic.AddInt32(&opens, 1)
		return store, nil
	}

	b := NewBackend(Config{Prefix: "folio_"}, open, crypto.NewChecksummer(zerolog.Nop()), zerolog.Nop())
	require.NoError(t, b.Initialize(context.Background()))
	setsAfterFirst := atomic.LoadInt32(&store.sets)
	require.NoError(t, b.Initialize(context.Background()))

	require.Equal(t, int32(1), atomic.LoadInt32(&opens))
	require.Equal(t, setsAfterFirst, atomic.LoadInt32(&store.sets))
	require.True(t, b.IsReady())
	require.Equal(t, int64(DefaultCapacity), b.Capacity())
}

func TestBackend_Initialize_ProbeFailure(t *testing.T) {
	store := &countingStore{Store: NewMemoryStore(0), failSet: errors.New("quota 0")}
	b := NewBackend(Config{Prefix: "folio_"}, StaticOpener(store), crypto.NewChecksummer(zerolog.Nop()), zerolog.Nop())

	err := b.Initialize(context.Background())
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)
	require.False(t, b.IsReady())
}

func TestBackend_NotReady(t *testing.T) {
	b := NewBackend(Config{Prefix: "folio_"}, StaticOpener(NewMemoryStore(0)), crypto.NewChecksummer(zerolog.Nop()), zerolog.Nop())

	_, err := b.RetrieveFile(context.Background(), "x")
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)
}

func TestBackend_ProbeLeavesNoKeys(t *testing.T) {
	store := NewMemoryStore(0)
	newTestBackend(t, store, 0)

	keys, err := store.Keys(context.Background(), "folio_probe_")
	require.NoError(t, err)
	require.Empty(t, keys)
}

// =============================================================================
// File operations
// =============================================================================

func TestBackend_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	b := newTestBackend(t, store, 0)

	file := doc("cv.pdf", 2048)
	require.NoError(t, b.StoreFile(ctx, "id-1", file, domain.CategoryDocument, nil))

	got, err := b.RetrieveFile(ctx, "id-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, file.Data, got.Data)
	require.Equal(t, "cv.pdf", got.Name)

	raw, err := store.Get(ctx, "folio_file_id-1")
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &entry))
	for _, field := range []string{"id", "name", "size", "type", "category", "data", "metadata"} {
		require.Contains(t, entry, field)
	}
	require.Equal(t, crypto.EncodeBase64(file.Data), entry["data"])
}

func TestBackend_RetrieveMissing(t *testing.T) {
	b := newTestBackend(t, NewMemoryStore(0), 0)

	got, err := b.RetrieveFile(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestBackend_DetectsCorruption(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	b := newTestBackend(t, store, 0)

	file := doc("paper.pdf", 300)
	require.NoError(t, b.StoreFile(ctx, "id-1", file, domain.CategoryDocument, nil))

	raw, err := store.Get(ctx, "folio_file_id-1")
	require.NoError(t, err)

	var rec record
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	mutated := append([]byte(nil), file.Data...)
	mutated[0] ^= 0x01
	rec.Data = crypto.EncodeBase64(mutated)
	tampered, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "folio_file_id-1", string(tampered)))

	got, err := b.RetrieveFile(ctx, "id-1")
	require.Nil(t, got)
	require.ErrorIs(t, err, domain.ErrFileCorrupted)
}

func TestBackend_UnparsableEntryIsCorrupt(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	b := newTestBackend(t, store, 0)

	require.NoError(t, store.Set(ctx, "folio_file_broken", "{not json"))

	_, err := b.RetrieveFile(ctx, "broken")
	require.ErrorIs(t, err, domain.ErrFileCorrupted)

	infos, err := b.ListFiles(ctx, "")
	require.NoError(t, err)
	require.Empty(t, infos)
}

func TestBackend_ListFiles_CategoryFilterNewestFirst(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, NewMemoryStore(0), 0)

	video := func(name string) *domain.File { return domain.NewFile(name, "video/mp4", []byte(name)) }

	require.NoError(t, b.StoreFile(ctx, "d1", doc("a.pdf", 10), domain.CategoryDocument, nil))
	require.NoError(t, b.StoreFile(ctx, "v1", video("a.mp4"), domain.CategoryVideo, nil))
	require.NoError(t, b.StoreFile(ctx, "v2", video("b.mp4"), domain.CategoryVideo, nil))
	require.NoError(t, b.DeleteFile(ctx, "v1"))
	require.NoError(t, b.StoreFile(ctx, "v3", video("c.mp4"), domain.CategoryVideo, nil))

	videos, err := b.ListFiles(ctx, domain.CategoryVideo)
	require.NoError(t, err)
	require.Len(t, videos, 2)
	require.Equal(t, "v3", videos[0].ID)
	require.Equal(t, "v2", videos[1].ID)
	for _, v := range videos {
		require.Equal(t, domain.CategoryVideo, v.Category)
	}

	docs, err := b.ListFiles(ctx, domain.CategoryDocument)
	require.NoError(t, err)
	require.Len(t, docs, 1)
}

func TestBackend_DuplicateID(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, NewMemoryStore(0), 0)

	require.NoError(t, b.StoreFile(ctx, "same", doc("a.pdf", 10), domain.CategoryDocument, nil))
	err := b.StoreFile(ctx, "same", doc("b.pdf", 10), domain.CategoryDocument, nil)
	require.ErrorIs(t, err, domain.ErrValidationFailed)
}

func TestBackend_DeleteMissingIsNoop(t *testing.T) {
	b := newTestBackend(t, NewMemoryStore(0), 0)
	require.NoError(t, b.DeleteFile(context.Background(), "nope"))
}

// =============================================================================
// Capacity and usage accounting
// =============================================================================

func TestBackend_CapacityPrecheck(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: NewMemoryStore(0)}
	b := newTestBackend(t, store, 4096)

	require.NoError(t, b.StoreFile(ctx, "small", doc("a.pdf", 1000), domain.CategoryDocument, nil))

	setsBefore := atomic.LoadInt32(&store.sets)
	err := b.StoreFile(ctx, "big", doc("b.pdf", 3000), domain.CategoryDocument, nil)
	require.ErrorIs(t, err, domain.ErrQuotaExceeded)
	require.Equal(t, setsBefore, atomic.LoadInt32(&store.sets), "pre-check must not write")
}

func TestBackend_StoreFullIsQuotaExceeded(t *testing.T) {
	ctx := context.Background()
	// The store itself is smaller than the advertised capacity.
	b := newTestBackend(t, NewMemoryStore(2000), 1<<20)

	err := b.StoreFile(ctx, "big", doc("b.pdf", 3000), domain.CategoryDocument, nil)
	require.ErrorIs(t, err, domain.ErrQuotaExceeded)

	se, ok := domain.AsStorageError(err)
	require.True(t, ok)
	require.Equal(t, domain.MethodKVString, se.Backend)
}

func TestBackend_OtherWriteFailureIsUnavailable(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: NewMemoryStore(0)}
	b := newTestBackend(t, store, 0)

	store.failSet = errors.New("connection reset")
	err := b.StoreFile(ctx, "a", doc("a.pdf", 10), domain.CategoryDocument, nil)
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)
}

func TestBackend_UsageCounter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	b := newTestBackend(t, store, 1<<20)

	require.NoError(t, b.StoreFile(ctx, "a", doc("a.pdf", 1000), domain.CategoryDocument, nil))
	require.NoError(t, b.StoreFile(ctx, "b", doc("b.pdf", 500), domain.CategoryDocument, nil))

	raw, err := store.Get(ctx, "folio_usage")
	require.NoError(t, err)

	var counter usageCounter
	require.NoError(t, json.Unmarshal([]byte(raw), &counter))
	require.Equal(t, int64(2), counter.FileCount)

	entryA, err := store.Get(ctx, "folio_file_a")
	require.NoError(t, err)
	entryB, err := store.Get(ctx, "folio_file_b")
	require.NoError(t, err)
	want := int64(len("folio_file_a") + len(entryA) + len("folio_file_b") + len(entryB))
	require.Equal(t, want, counter.TotalSize)

	usage, err := b.GetStorageUsage(ctx)
	require.NoError(t, err)
	require.Equal(t, want, usage.Used)
	require.Equal(t, int64(1<<20)-want, usage.Available)

	require.NoError(t, b.DeleteFile(ctx, "a"))
	afterDelete, err := b.GetStorageUsage(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(len("folio_file_b")+len(entryB)), afterDelete.Used)
	require.Less(t, afterDelete.Percentage, usage.Percentage)
}

func TestBackend_UsageCounterRescan(t *testing.T) {
	tests := []struct {
		name    string
		counter string
	}{
		{"unparsable", "garbage"},
		{"negative", `{"totalSize":-5,"fileCount":1}`},
		{"missing", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := NewMemoryStore(0)
			b := newTestBackend(t, store, 1<<20)

			require.NoError(t, b.StoreFile(ctx, "a", doc("a.pdf", 700), domain.CategoryDocument, nil))
			entry, err := store.Get(ctx, "folio_file_a")
			require.NoError(t, err)

			if tt.counter == "" {
				require.NoError(t, store.Delete(ctx, "folio_usage"))
			} else {
				require.NoError(t, store.Set(ctx, "folio_usage", tt.counter))
			}

			usage, err := b.GetStorageUsage(ctx)
			require.NoError(t, err)
			require.Equal(t, int64(len("folio_file_a")+len(entry)), usage.Used)

			raw, err := store.Get(ctx, "folio_usage")
			require.NoError(t, err)
			require.True(t, strings.Contains(raw, `"fileCount":1`), "counter must be rewritten, got %s", raw)
		})
	}
}

func TestBackend_ClearAllFiles(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	b := newTestBackend(t, store, 0)

	require.NoError(t, b.StoreFile(ctx, "a", doc("a.pdf", 10), domain.CategoryDocument, nil))
	require.NoError(t, b.StoreFile(ctx, "b", doc("b.pdf", 10), domain.CategoryDocument, nil))
	require.NoError(t, b.StoreMetadata(ctx, "theme", "dark"))
	require.NoError(t, b.ClearAllFiles(ctx))

	infos, err := b.ListFiles(ctx, "")
	require.NoError(t, err)
	require.Empty(t, infos)

	usage, err := b.GetStorageUsage(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), usage.Used)

	raw, err := b.RetrieveMetadata(ctx, "theme")
	require.NoError(t, err)
	require.JSONEq(t, `"dark"`, string(raw))
}

func TestBackend_Metadata(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	b := newTestBackend(t, store, 0)

	raw, err := b.RetrieveMetadata(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, raw)

	require.NoError(t, b.StoreMetadata(ctx, "profile", map[string]any{"name": "Ada", "year": 1843}))
	raw, err = b.RetrieveMetadata(ctx, "profile")
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"Ada","year":1843}`, string(raw))

	_, err = store.Get(ctx, "folio_meta_profile")
	require.NoError(t, err)
}

func TestBackend_ConcurrentStoresKeepCounterConsistent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	b := newTestBackend(t, store, 1<<24)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			errs <- b.StoreFile(ctx, id, doc(id+".pdf", 100+i), domain.CategoryDocument, nil)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	usage, err := b.GetStorageUsage(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "folio_usage"))
	rescanned, err := b.GetStorageUsage(ctx)
	require.NoError(t, err)
	require.Equal(t, rescanned.Used, usage.Used)
}

// =============================================================================
// Provider
// =============================================================================

func TestProvider(t *testing.T) {
	store := NewMemoryStore(0)
	p := NewProvider(Config{Prefix: "folio_", Capacity: 1234}, StaticOpener(store), crypto.NewChecksummer(zerolog.Nop()), zerolog.Nop())

	require.Equal(t, domain.MethodKVString, p.Method())
	require.Equal(t, int64(1234), p.Capacity())
	require.NoError(t, p.Probe(context.Background()))

	b := p.New()
	require.False(t, b.IsReady())
	require.NoError(t, b.Initialize(context.Background()))
	require.True(t, b.IsReady())
}

func TestProvider_ProbeFailure(t *testing.T) {
	open := func(ctx context.Context) (Store, error) {
		return nil, errors.New("disabled")
	}
	p := NewProvider(Config{Prefix: "folio_"}, open, crypto.NewChecksummer(zerolog.Nop()), zerolog.Nop())

	require.ErrorIs(t, p.Probe(context.Background()), domain.ErrStorageUnavailable)
}
