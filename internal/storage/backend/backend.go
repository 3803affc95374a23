// Package backend selects and opens a storage engine by name.
package backend

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matteso1/asyncstore/internal/storage"
	"github.com/matteso1/asyncstore/internal/storage/badger"
	"github.com/matteso1/asyncstore/internal/storage/bolt"
	"github.com/matteso1/asyncstore/internal/storage/leveldb"
)

// Kind names a storage engine implementation.
type Kind string

const (
	// LSM is the built-in log-structured engine.
	LSM     Kind = "lsm"
	LevelDB Kind = "leveldb"
	Badger  Kind = "badger"
	Bolt    Kind = "bolt"
)

// Kinds lists every supported engine.
var Kinds = []Kind{LSM, LevelDB, Badger, Bolt}

// ParseKind maps a case-insensitive name to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if k == "" {
		return LSM, nil
	}
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown storage engine %q", s)
}

// Config selects and tunes an engine.
type Config struct {
	Kind Kind
	Dir  string

	// LSM tuning; zero values take the engine defaults.
	MemTableSize int64
	SyncMode     storage.SyncMode

	// BadgerGCInterval of zero keeps the Badger default.
	BadgerGCInterval time.Duration

	Logger *zap.Logger
}

// DefaultConfig returns an LSM configuration for dir.
func DefaultConfig(dir string) Config {
	return Config{
		Kind:     LSM,
		Dir:      dir,
		SyncMode: storage.SyncAlways,
	}
}

// Open creates cfg.Dir if needed and opens the selected engine.
func Open(cfg Config) (storage.Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	var (
		engine storage.Engine
		err    error
	)
	switch cfg.Kind {
	case LSM, "":
		lc := storage.DefaultLSMConfig()
		if cfg.MemTableSize > 0 {
			lc.MemTableSize = cfg.MemTableSize
		}
		lc.WALSyncMode = cfg.SyncMode
		lc.Logger = cfg.Logger
		engine, err = openAs(storage.Open(cfg.Dir, lc))
	case LevelDB:
		engine, err = openAs(leveldb.Open(cfg.Dir, cfg.Logger))
	case Badger:
		bc := badger.DefaultConfig(cfg.Dir)
		if cfg.BadgerGCInterval > 0 {
			bc.GCInterval = cfg.BadgerGCInterval
		}
		bc.Logger = cfg.Logger
		engine, err = openAs(badger.Open(bc))
	case Bolt:
		engine, err = openAs(bolt.Open(cfg.Dir, cfg.Logger))
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s engine: %w", cfg.Kind, err)
	}
	return engine, nil
}

// openAs keeps a failed open from producing a non-nil interface holding a
// nil pointer.
func openAs[E storage.Engine](e E, err error) (storage.Engine, error) {
	if err != nil {
		return nil, err
	}
	return e, nil
}
