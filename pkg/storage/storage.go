package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/vjranagit/heartwatch/pkg/types"
)

const schemaVersion = "1"

var (
	samplePrefix = []byte("sample/")
	schemaKey    = []byte("meta/schema")
)

var (
	// ErrStorageFailure marks failures of the durable medium
	ErrStorageFailure = errors.New("storage failure")

	// ErrInvalidTimestamp is returned for keys that are not canonical decimal seconds
	ErrInvalidTimestamp = errors.New("invalid sample timestamp")
)

// SampleStore defines the contract for heart-rate sample storage
type SampleStore interface {
	// Insert adds the sample unless its timestamp is already present
	Insert(ctx context.Context, sample types.Sample) error

	// DeleteAll removes every sample
	DeleteAll(ctx context.Context) error

	// MostRecent returns the sample with the greatest timestamp.
	// ok is false when the store is empty.
	MostRecent(ctx context.Context) (sample types.Sample, ok bool, err error)

	// AllOrdered returns every sample ordered by timestamp ascending
	AllOrdered(ctx context.Context) ([]types.Sample, error)

	// Close closes the storage
	Close() error
}

// Config holds storage configuration
type Config struct {
	Path          string
	RetentionDays int

	// CompressionLevel selects zstd block compression (1-4) for the
	// database tables. Zero keeps badger's default.
	CompressionLevel int

	SyncWrites bool
	Logger     *slog.Logger
}

// DefaultConfig returns default storage configuration
func DefaultConfig() *Config {
	return &Config{
		Path:             "./data",
		RetentionDays:    30,
		CompressionLevel: 3,
	}
}

// Retention returns how long a sample stays visible after it is written.
// Zero means samples never expire.
func (c *Config) Retention() time.Duration {
	if c.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c *Config) badgerOptions(logger *slog.Logger) badger.Options {
	opts := badger.DefaultOptions(filepath.Join(c.Path, "badger"))
	opts.Logger = &badgerLogger{logger: logger.With("component", "badger")}
	opts.SyncWrites = c.SyncWrites

	if c.CompressionLevel > 0 {
		opts = opts.WithCompression(options.ZSTD).WithZSTDCompressionLevel(c.CompressionLevel)
	}
	return opts
}

// badgerStorage implements SampleStore using BadgerDB
type badgerStorage struct {
	cfg    *Config
	db     *badger.DB
	logger *slog.Logger
}

// NewStorage opens (or creates) the sample database under cfg.Path
func NewStorage(cfg *Config) (SampleStore, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := badger.Open(cfg.badgerOptions(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w: %w", ErrStorageFailure, err)
	}

	s := &badgerStorage{
		cfg:    cfg,
		db:     db,
		logger: logger,
	}

	if err := s.checkSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// checkSchema writes the schema marker, dropping everything when an
// existing marker does not match
func (s *badgerStorage) checkSchema() error {
	var current string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(schemaKey)
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		current = string(val)
		return err
	})
	switch {
	case err == nil && current == schemaVersion:
		return nil
	case err == nil:
		s.logger.Warn("schema version mismatch, dropping sample data",
			"found", current, "want", schemaVersion)
		if err := s.db.DropAll(); err != nil {
			return fmt.Errorf("failed to drop data: %w: %w", ErrStorageFailure, err)
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return fmt.Errorf("failed to read schema version: %w: %w", ErrStorageFailure, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(schemaKey, []byte(schemaVersion))
	})
	if err != nil {
		return fmt.Errorf("failed to write schema version: %w: %w", ErrStorageFailure, err)
	}
	return nil
}

// Insert implements SampleStore.Insert
func (s *badgerStorage) Insert(ctx context.Context, sample types.Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key, err := sampleKey(sample.Timestamp)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			// Existing rows are never overwritten
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		entry := badger.NewEntry(key, payload)
		if ttl := s.cfg.Retention(); ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})

	// A conflict means a concurrent insert of the same key committed first
	if errors.Is(err, badger.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to insert sample %s: %w: %w", sample.Timestamp, ErrStorageFailure, err)
	}
	return nil
}

// DeleteAll implements SampleStore.DeleteAll
func (s *badgerStorage) DeleteAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.db.DropPrefix(samplePrefix); err != nil {
		return fmt.Errorf("failed to delete samples: %w: %w", ErrStorageFailure, err)
	}
	return nil
}

// MostRecent implements SampleStore.MostRecent
func (s *badgerStorage) MostRecent(ctx context.Context) (types.Sample, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.Sample{}, false, err
	}

	var (
		sample types.Sample
		found  bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = samplePrefix

		it := txn.NewIterator(opts)
		defer it.Close()

		// In reverse mode Seek lands on the largest key <= the seek key
		seek := append(append([]byte{}, samplePrefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		it.Seek(seek)
		if !it.ValidForPrefix(samplePrefix) {
			return nil
		}

		var err error
		sample, err = decodeSample(it.Item())
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return types.Sample{}, false, fmt.Errorf("failed to read most recent sample: %w: %w", ErrStorageFailure, err)
	}

	return sample, found, nil
}

// AllOrdered implements SampleStore.AllOrdered
func (s *badgerStorage) AllOrdered(ctx context.Context) ([]types.Sample, error) {
	samples := []types.Sample{}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = samplePrefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			sample, err := decodeSample(it.Item())
			if err != nil {
				return err
			}
			samples = append(samples, sample)
		}
		return nil
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read samples: %w: %w", ErrStorageFailure, err)
	}

	return samples, nil
}

// Close implements SampleStore.Close
func (s *badgerStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// sampleKey builds the storage key for a timestamp. Seconds are written
// big-endian so that byte order equals numeric order.
func sampleKey(timestamp string) ([]byte, error) {
	secs, err := parseTimestamp(timestamp)
	if err != nil {
		return nil, err
	}

	key := make([]byte, len(samplePrefix)+8)
	copy(key, samplePrefix)
	binary.BigEndian.PutUint64(key[len(samplePrefix):], secs)
	return key, nil
}

// parseTimestamp accepts only canonical decimal seconds, so "0300" and
// "300" cannot name two different rows
func parseTimestamp(timestamp string) (uint64, error) {
	secs, err := strconv.ParseUint(timestamp, 10, 64)
	if err != nil || strconv.FormatUint(secs, 10) != timestamp {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimestamp, timestamp)
	}
	return secs, nil
}

func decodeSample(item *badger.Item) (types.Sample, error) {
	var sample types.Sample
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &sample)
	})
	if err != nil {
		return types.Sample{}, fmt.Errorf("failed to decode sample: %w", err)
	}
	return sample, nil
}

// badgerLogger adapts slog to badger.Logger
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
