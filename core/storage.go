package core

import (
	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/txcore/pgerr"
)

// StorageOptions tunes the pebble store that backs SLRU pages and the WAL.
type StorageOptions struct {
	CacheSizeMB    int
	MemTableSizeMB int
	DisableWAL     bool
}

// pebbleLogger wraps zerolog for Pebble
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// OpenStorage opens (or creates) the pebble store at path.
func OpenStorage(path string, opts StorageOptions) (*pebble.DB, error) {
	if opts.CacheSizeMB <= 0 {
		opts.CacheSizeMB = 64
	}
	if opts.MemTableSizeMB <= 0 {
		opts.MemTableSizeMB = 32
	}
	cache := pebble.NewCache(int64(opts.CacheSizeMB) << 20)
	defer cache.Unref() // DB will hold reference

	db, err := pebble.Open(path, &pebble.Options{
		Cache:                       cache,
		MemTableSize:                uint64(opts.MemTableSizeMB) << 20,
		MemTableStopWritesThreshold: 4,
		DisableWAL:                  opts.DisableWAL,
		Logger:                      &pebbleLogger{},
	})
	if err != nil {
		return nil, pgerr.Wrapf(err, "failed to open storage at %s", path)
	}
	log.Info().
		Str("path", path).
		Int("cache_mb", opts.CacheSizeMB).
		Int("memtable_mb", opts.MemTableSizeMB).
		Bool("disable_wal", opts.DisableWAL).
		Msg("Opened storage")
	return db, nil
}
