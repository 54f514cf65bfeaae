package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/folio-storage/internal/domain"
	"github.com/prn-tf/folio-storage/internal/pkg/crypto"
)

// steppingClock returns strictly increasing timestamps.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newSteppingClock() *steppingClock {
	return &steppingClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return DefaultConfig(filepath.Join(t.TempDir(), "folio.db"))
}

func newTestBackend(t *testing.T, cfg Config, opts ...Option) *Backend {
	t.Helper()
	opts = append([]Option{WithClock(newSteppingClock().Now)}, opts...)
	b := NewBackend(cfg, crypto.NewChecksummer(zerolog.Nop()), zerolog.Nop(), opts...)
	require.NoError(t, b.Initialize(context.Background()))
	t.Cleanup(func() { b.Close() })
	return b
}

func pdf(name string, size int) *domain.File {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return domain.NewFile(name, "application/pdf", data)
}

func TestBackend_Initialize_Idempotent(t *testing.T) {
	var opens int32
	counting := func(ctx context.Context, cfg Config) (*sql.DB, error) {
		atomic.AddInt32(&opens, 1)
		return OpenSQLite(ctx, cfg)
	}

	b := NewBackend(testConfig(t), crypto.NewChecksummer(zerolog.Nop()), zerolog.Nop(), WithOpener(counting))
	defer b.Close()

	require.False(t, b.IsReady())
	require.NoError(t, b.Initialize(context.Background()))
	require.NoError(t, b.Initialize(context.Background()))
	require.True(t, b.IsReady())
	require.Equal(t, int32(1), atomic.LoadInt32(&opens))
}

func TestBackend_Initialize_OpenFailure(t *testing.T) {
	failing := func(ctx context.Context, cfg Config) (*sql.DB, error) {
		return nil, errors.New("blocked by policy")
	}

	b := NewBackend(testConfig(t), crypto.NewChecksummer(zerolog.Nop()), zerolog.Nop(), WithOpener(failing))
	err := b.Initialize(context.Background())
	require.ErrorIs(t, err, domain.ErrDurableUnavailable)
	require.False(t, b.IsReady())
}

func TestBackend_NotReady(t *testing.T) {
	b := NewBackend(testConfig(t), crypto.NewChecksummer(zerolog.Nop()), zerolog.Nop())

	_, err := b.ListFiles(context.Background(), "")
	require.ErrorIs(t, err, domain.ErrDurableUnavailable)

	err = b.StoreFile(context.Background(), "id-1", pdf("a.pdf", 10), domain.CategoryDocument, nil)
	require.ErrorIs(t, err, domain.ErrDurableUnavailable)
}

func TestBackend_RoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, testConfig(t))

	file := pdf("paper.pdf", 2048)
	require.NoError(t, b.StoreFile(ctx, "id-1", file, domain.CategoryDocument, nil))

	got, err := b.RetrieveFile(ctx, "id-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, file.Data, got.Data)
	require.Equal(t, "paper.pdf", got.Name)
	require.Equal(t, "application/pdf", got.MimeType)
	require.Equal(t, int64(2048), got.Size)
}

func TestBackend_StoresProcessedBytes(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, testConfig(t))

	file := domain.NewFile("photo.png", "image/png", make([]byte, 5000))
	processed := &domain.ProcessedFile{
		Data:         []byte("smaller jpeg bytes"),
		MimeType:     "image/jpeg",
		Compressed:   true,
		OriginalSize: 5000,
		FinalSize:    18,
	}
	require.NoError(t, b.StoreFile(ctx, "img", file, domain.CategoryDocument, processed))

	got, err := b.RetrieveFile(ctx, "img")
	require.NoError(t, err)
	require.Equal(t, processed.Data, got.Data)
	require.Equal(t, "image/jpeg", got.MimeType)

	infos, err := b.ListFiles(ctx, domain.CategoryDocument)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.True(t, infos[0].Compressed)
	require.Equal(t, int64(18), infos[0].Size)
}

func TestBackend_RetrieveMissing(t *testing.T) {
	b := newTestBackend(t, testConfig(t))

	got, err := b.RetrieveFile(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestBackend_DetectsCorruption(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, testConfig(t))

	file := pdf("paper.pdf", 512)
	require.NoError(t, b.StoreFile(ctx, "id-1", file, domain.CategoryDocument, nil))

	mutated := append([]byte(nil), file.Data...)
	mutated[100] ^= 0xff
	_, err := b.db.DB().ExecContext(ctx, `UPDATE files SET data = ? WHERE id = ?`, mutated, "id-1")
	require.NoError(t, err)

	got, err := b.RetrieveFile(ctx, "id-1")
	require.Nil(t, got)
	require.ErrorIs(t, err, domain.ErrFileCorrupted)

	se, ok := domain.AsStorageError(err)
	require.True(t, ok)
	require.Equal(t, domain.MethodDurableDB, se.Backend)
}

func TestBackend_ListFiles_CategoryFilterNewestFirst(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, testConfig(t))

	require.NoError(t, b.StoreFile(ctx, "doc-1", pdf("a.pdf", 10), domain.CategoryDocument, nil))
	require.NoError(t, b.StoreFile(ctx, "vid-1", domain.NewFile("a.mp4", "video/mp4", []byte("v1")), domain.CategoryVideo, nil))
	require.NoError(t, b.StoreFile(ctx, "doc-2", pdf("b.pdf", 20), domain.CategoryDocument, nil))
	require.NoError(t, b.StoreFile(ctx, "vid-2", domain.NewFile("b.mp4", "video/mp4", []byte("v2")), domain.CategoryVideo, nil))
	require.NoError(t, b.DeleteFile(ctx, "vid-1"))

	videos, err := b.ListFiles(ctx, domain.CategoryVideo)
	require.NoError(t, err)
	require.Len(t, videos, 1)
	require.Equal(t, "vid-2", videos[0].ID)

	docs, err := b.ListFiles(ctx, domain.CategoryDocument)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "doc-2", docs[0].ID)
	require.Equal(t, "doc-1", docs[1].ID)

	all, err := b.ListFiles(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "vid-2", all[0].ID)
}

func TestBackend_UsageMonotonic(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.EstimatedQuota = 10_000
	b := newTestBackend(t, cfg)

	before, err := b.GetStorageUsage(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), before.Used)

	require.NoError(t, b.StoreFile(ctx, "a", pdf("a.pdf", 1000), domain.CategoryDocument, nil))
	afterStore, err := b.GetStorageUsage(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1000), afterStore.Used)
	require.Equal(t, int64(9000), afterStore.Available)
	require.InDelta(t, 10.0, afterStore.Percentage, 0.001)
	require.GreaterOrEqual(t, afterStore.Percentage, before.Percentage)

	require.NoError(t, b.DeleteFile(ctx, "a"))
	afterDelete, err := b.GetStorageUsage(ctx)
	require.NoError(t, err)
	require.LessOrEqual(t, afterDelete.Percentage, afterStore.Percentage)
}

func TestBackend_QuotaExceeded(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.EstimatedQuota = 1500
	b := newTestBackend(t, cfg)

	require.NoError(t, b.StoreFile(ctx, "a", pdf("a.pdf", 1000), domain.CategoryDocument, nil))

	err := b.StoreFile(ctx, "b", pdf("b.pdf", 1000), domain.CategoryDocument, nil)
	require.ErrorIs(t, err, domain.ErrQuotaExceeded)

	got, err := b.RetrieveFile(ctx, "b")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestBackend_QuotaEstimator(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.EstimatedQuota = 1 << 30
	b := newTestBackend(t, cfg, WithQuotaEstimator(func(ctx context.Context) (int64, bool) {
		return 4000, true
	}))

	require.NoError(t, b.StoreFile(ctx, "a", pdf("a.pdf", 1000), domain.CategoryDocument, nil))
	usage, err := b.GetStorageUsage(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3000), usage.Available)
	require.InDelta(t, 25.0, usage.Percentage, 0.001)
}

func TestBackend_DuplicateID(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, testConfig(t))

	require.NoError(t, b.StoreFile(ctx, "same", pdf("a.pdf", 10), domain.CategoryDocument, nil))
	err := b.StoreFile(ctx, "same", pdf("b.pdf", 10), domain.CategoryDocument, nil)
	require.ErrorIs(t, err, domain.ErrValidationFailed)
}

func TestBackend_ClearAllFiles(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, testConfig(t))

	require.NoError(t, b.StoreFile(ctx, "a", pdf("a.pdf", 10), domain.CategoryDocument, nil))
	require.NoError(t, b.StoreFile(ctx, "b", pdf("b.pdf", 10), domain.CategoryDocument, nil))
	require.NoError(t, b.StoreMetadata(ctx, "profile", map[string]string{"name": "Ada"}))
	require.NoError(t, b.ClearAllFiles(ctx))

	infos, err := b.ListFiles(ctx, "")
	require.NoError(t, err)
	require.Empty(t, infos)

	usage, err := b.GetStorageUsage(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), usage.Used)

	raw, err := b.RetrieveMetadata(ctx, "profile")
	require.NoError(t, err)
	require.NotNil(t, raw)
}

func TestBackend_Metadata(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, testConfig(t))

	raw, err := b.RetrieveMetadata(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, raw)

	require.NoError(t, b.StoreMetadata(ctx, "order", []string{"b", "a"}))
	require.NoError(t, b.StoreMetadata(ctx, "order", []string{"a", "b"}))

	raw, err = b.RetrieveMetadata(ctx, "order")
	require.NoError(t, err)

	var got []string
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, []string{"a", "b"}, got)

	err = b.StoreMetadata(ctx, "bad", func() {})
	require.ErrorIs(t, err, domain.ErrValidationFailed)
}

func TestBackend_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	b := NewBackend(cfg, crypto.NewChecksummer(zerolog.Nop()), zerolog.Nop())
	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, b.StoreFile(ctx, "keep", pdf("a.pdf", 64), domain.CategoryDocument, nil))
	require.NoError(t, b.Close())
	require.False(t, b.IsReady())

	reopened := newTestBackend(t, cfg)
	got, err := reopened.RetrieveFile(ctx, "keep")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestProvider_Probe(t *testing.T) {
	cfg := testConfig(t)
	p := NewProvider(cfg, crypto.NewChecksummer(zerolog.Nop()), zerolog.Nop())

	require.Equal(t, domain.MethodDurableDB, p.Method())
	require.NoError(t, p.Probe(context.Background()))

	entries, err := os.ReadDir(filepath.Dir(cfg.Path))
	require.NoError(t, err)
	require.Empty(t, entries, "probe must not leave files behind")

	b := p.New()
	require.False(t, b.IsReady())
	require.Equal(t, domain.MethodDurableDB, b.Method())
}

func TestProvider_ProbeFailure(t *testing.T) {
	failing := func(ctx context.Context, cfg Config) (*sql.DB, error) {
		return nil, errors.New("no storage")
	}
	p := NewProvider(testConfig(t), crypto.NewChecksummer(zerolog.Nop()), zerolog.Nop(), WithOpener(failing))

	err := p.Probe(context.Background())
	require.ErrorIs(t, err, domain.ErrDurableUnavailable)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.ErrorKind
	}{
		{"disk full", errors.New("database or disk is full (13)"), domain.KindQuotaExceeded},
		{"unique", errors.New("UNIQUE constraint failed: files.id"), domain.KindValidationFailed},
		{"io error", errors.New("disk I/O error"), domain.KindDurableUnavailable},
		{"canceled", context.Canceled, domain.KindStorageUnavailable},
		{"typed passthrough", domain.NewStorageError(domain.KindQuotaExceeded, "x", nil), domain.KindQuotaExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, domain.KindOf(classify("store", tt.err)))
		})
	}
}

func TestConfig_DSN(t *testing.T) {
	dsn := DefaultConfig("/tmp/folio.db").DSN()
	require.Contains(t, dsn, "/tmp/folio.db?_pragma=journal_mode(WAL)")
	require.Contains(t, dsn, "_pragma=busy_timeout(5000)")

	mem := DefaultConfig(MemoryPath).DSN()
	require.Contains(t, mem, "journal_mode(MEMORY)")
}

func TestOpenSQLite_InMemoryKeepsConnection(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig(MemoryPath)
	cfg.ConnMaxLifetime = time.Millisecond

	db, err := OpenSQLite(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.ExecContext(ctx, "CREATE TABLE kept (id TEXT PRIMARY KEY)")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "INSERT INTO kept (id) VALUES ('a')")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM kept").Scan(&n))
	require.Equal(t, 1, n)
	require.Zero(t, db.Stats().MaxLifetimeClosed)
}

func TestBackend_InMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, DefaultConfig(MemoryPath))

	file := pdf("paper.pdf", 1024)
	require.NoError(t, b.StoreFile(ctx, "m1", file, domain.CategoryDocument, nil))

	got, err := b.RetrieveFile(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, file.Data, got.Data)
}
