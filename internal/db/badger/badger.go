// Package badger opens the embedded BadgerDB used as guest "local storage".
package badger

import (
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string
	// InMemory keeps everything in RAM; guest usage is lost on restart.
	InMemory bool
	// SyncWrites fsyncs every write.
	SyncWrites bool
	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger *zap.Logger
}

// zapLogger adapts zap to BadgerDB's Logger interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l *zapLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l *zapLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l *zapLogger) Infof(format string, args ...interface{})    { l.s.Debugf(format, args...) }
func (l *zapLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }

// Open creates and opens a BadgerDB instance. Caller must Close it.
func Open(cfg Config) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&zapLogger{s: cfg.Logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return bdb, nil
}

// OpenInMemory opens an in-memory BadgerDB, mostly for tests.
func OpenInMemory() (*badger.DB, error) {
	return Open(Config{InMemory: true})
}
