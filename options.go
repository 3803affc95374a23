package asyncstore

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/matteso1/asyncstore/internal/codec"
	"github.com/matteso1/asyncstore/internal/queue"
	"github.com/matteso1/asyncstore/internal/storage"
	"github.com/matteso1/asyncstore/internal/storage/backend"
)

// Backend names a storage engine: "lsm" (default), "leveldb", "badger" or "bolt".
type Backend = backend.Kind

// Supported backends.
const (
	BackendLSM     = backend.LSM
	BackendLevelDB = backend.LevelDB
	BackendBadger  = backend.Badger
	BackendBolt    = backend.Bolt
)

// ParseBackend maps a case-insensitive name to a Backend.
func ParseBackend(s string) (Backend, error) {
	return backend.ParseKind(s)
}

// SyncMode controls when the lsm backend fsyncs its log.
type SyncMode = storage.SyncMode

const (
	SyncAlways = storage.SyncAlways
	SyncBatch  = storage.SyncBatch
	SyncNone   = storage.SyncNone
)

// ParseSyncMode maps "always", "batch" or "none" to a SyncMode.
func ParseSyncMode(s string) (SyncMode, error) {
	return storage.ParseSyncMode(s)
}

type options struct {
	engine backend.Config
	codec  codec.Config
	queue  queue.Config
	logger *zap.Logger

	// opener replaces the backend; used by tests to inject faults.
	opener queue.Opener
}

func defaultOptions(path string) options {
	return options{
		engine: backend.DefaultConfig(path),
		codec:  codec.DefaultConfig(),
		queue:  queue.DefaultConfig(),
		logger: zap.NewNop(),
	}
}

// Option configures a Store.
type Option func(*options)

// WithBackend selects the storage engine.
func WithBackend(kind Backend) Option {
	return func(o *options) { o.engine.Kind = kind }
}

// WithSyncMode sets the lsm log sync policy. Anything other than
// SyncAlways can lose acknowledged writes on power loss.
func WithSyncMode(mode SyncMode) Option {
	return func(o *options) { o.engine.SyncMode = mode }
}

// WithMemTableSize sets the lsm flush threshold in bytes.
func WithMemTableSize(n int64) Option {
	return func(o *options) { o.engine.MemTableSize = n }
}

// WithBadgerGCInterval sets how often badger's value log is collected.
func WithBadgerGCInterval(d time.Duration) Option {
	return func(o *options) { o.engine.BadgerGCInterval = d }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCacheSize keeps up to n recently read or written keys in memory.
func WithCacheSize(n int) Option {
	return func(o *options) { o.queue.CacheSize = n }
}

// WithMaxGroupSize caps the write calls committed in one engine batch.
func WithMaxGroupSize(n int) Option {
	return func(o *options) { o.queue.MaxGroupSize = n }
}

// WithReadParallelism caps concurrent reads.
func WithReadParallelism(n int) Option {
	return func(o *options) { o.queue.ReadParallelism = n }
}

// WithSlowCallThreshold logs calls slower than d. Zero disables it.
func WithSlowCallThreshold(d time.Duration) Option {
	return func(o *options) { o.queue.SlowCallThreshold = d }
}

// WithClock replaces the clock used for call timing.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.queue.Clock = c }
}

// WithMaxKeySize sets the largest accepted key in bytes.
// Sizes above 1 MiB are clamped.
func WithMaxKeySize(n int) Option {
	return func(o *options) { o.codec.MaxKeySize = n }
}

// WithMaxValueSize sets the largest accepted value in bytes. Sizes above
// 24 MiB are clamped.
func WithMaxValueSize(n int) Option {
	return func(o *options) { o.codec.MaxValueSize = n }
}

// WithCompressThreshold stores values longer than n bytes zstd-compressed.
// Zero disables compression.
func WithCompressThreshold(n int) Option {
	return func(o *options) { o.codec.CompressThreshold = n }
}

func withOpener(open queue.Opener) Option {
	return func(o *options) { o.opener = open }
}
