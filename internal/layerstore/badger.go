package layerstore

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mrsinham/dicomseg/internal/snapshot"
	"github.com/rs/zerolog"
)

const keyPrefix = "layer/"

// Config configures a Badger layer store.
type Config struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string

	InMemory   bool
	SyncWrites bool

	// GCInterval controls value log garbage collection. Zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64

	Logger zerolog.Logger
}

// DefaultConfig returns a persistent configuration rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
		Logger:         zerolog.Nop(),
	}
}

type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msgf(strings.TrimSpace(format), args...)
}

// Badger stores layer snapshots in a BadgerDB, gob-encoded under
// "layer/<id>".
type Badger struct {
	db     *badger.DB
	logger zerolog.Logger
	stopGC chan struct{}
	gcDone chan struct{}
}

// Open opens (or creates) a Badger layer store.
func Open(cfg Config) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("open layer store: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{logger: cfg.Logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	b := &Badger{db: db, logger: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		b.stopGC = make(chan struct{})
		b.gcDone = make(chan struct{})
		go b.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return b, nil
}

// OpenInMemory opens a throwaway store, mostly for tests.
func OpenInMemory() (*Badger, error) {
	return Open(Config{InMemory: true, Logger: zerolog.Nop()})
}

func (b *Badger) runGC(interval time.Duration, ratio float64) {
	defer close(b.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			if err := b.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				b.logger.Warn().Err(err).Msg("badger value log GC failed")
			}
		}
	}
}

// Put stores snap under layerID.
func (b *Badger) Put(ctx context.Context, layerID string, snap *snapshot.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("put layer %s: %w", layerID, err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("encode layer %s: %w", layerID, err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(layerKey(layerID), buf.Bytes())
	})
}

// Get returns the stored snapshot or snapshot.ErrNoSnapshot.
func (b *Badger) Get(ctx context.Context, layerID string) (*snapshot.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("get layer %s: %w", layerID, err)
	}

	var snap snapshot.Snapshot
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(layerKey(layerID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return gob.NewDecoder(bytes.NewReader(val)).Decode(&snap)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, snapshot.ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("get layer %s: %w", layerID, err)
	}
	return &snap, nil
}

// Delete removes a layer snapshot.
func (b *Badger) Delete(ctx context.Context, layerID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("delete layer %s: %w", layerID, err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(layerKey(layerID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return snapshot.ErrNoSnapshot
			}
			return err
		}
		return txn.Delete(layerKey(layerID))
	})
}

// List returns the stored layer ids in key order.
func (b *Badger) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ids []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), keyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list layers: %w", err)
	}
	return ids, nil
}

// Close stops garbage collection and closes the database.
func (b *Badger) Close() error {
	if b.stopGC != nil {
		close(b.stopGC)
		<-b.gcDone
	}
	return b.db.Close()
}

func layerKey(layerID string) []byte {
	return []byte(keyPrefix + layerID)
}
