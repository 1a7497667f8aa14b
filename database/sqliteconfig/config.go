// Package sqliteconfig builds modernc.org/sqlite connection strings for the
// authority database.
package sqliteconfig

import (
	"errors"
	"fmt"
	"strings"
)

// Errors returned by config validation.
var (
	ErrPathEmpty           = errors.New("path cannot be empty")
	ErrBusyTimeoutNegative = errors.New("busy_timeout must be >= 0")
	ErrInvalidJournalMode  = errors.New("invalid journal_mode")
	ErrWALAutocheckpoint   = errors.New("wal_autocheckpoint must be >= -1")
	ErrInvalidSynchronous  = errors.New("invalid synchronous")
	ErrInvalidTxLock       = errors.New("invalid txlock")
)

// DefaultBusyTimeout is the default busy timeout in milliseconds.
const DefaultBusyTimeout = 10000

// JournalMode is the journal_mode pragma.
type JournalMode string

const (
	JournalModeWAL    JournalMode = "WAL"
	JournalModeDelete JournalMode = "DELETE"
)

// Synchronous is the synchronous pragma.
type Synchronous string

const (
	SynchronousNormal Synchronous = "NORMAL"
	SynchronousFull   Synchronous = "FULL"
)

// TxLock is the transaction lock mode of the driver. Session transitions
// check-then-write inside one transaction, so writers take the lock up front.
type TxLock string

const (
	TxLockDeferred  TxLock = "deferred"
	TxLockImmediate TxLock = "immediate"
)

// Config holds SQLite connection settings.
type Config struct {
	Path              string // file path or ":memory:"
	BusyTimeout       int    // milliseconds, 0 leaves the driver default
	JournalMode       JournalMode
	WALAutocheckpoint int // pages; -1 leaves it unset, 0 disables
	Synchronous       Synchronous
	ForeignKeys       bool
	TxLock            TxLock
}

// Default returns the production configuration for a file database.
func Default(path string) *Config {
	return &Config{
		Path:              path,
		BusyTimeout:       DefaultBusyTimeout,
		JournalMode:       JournalModeWAL,
		WALAutocheckpoint: 1000,
		Synchronous:       SynchronousNormal,
		ForeignKeys:       true,
		TxLock:            TxLockImmediate,
	}
}

// FromSettings returns the production configuration adjusted by the
// database.* settings. Without write-ahead logging the journal falls back to
// DELETE mode and checkpointing is left unset.
func FromSettings(path string, writeAheadLog bool, walAutoCheckpoint int) *Config {
	if path == ":memory:" {
		return Memory()
	}
	cfg := Default(path)
	if !writeAheadLog {
		cfg.JournalMode = JournalModeDelete
		cfg.Synchronous = SynchronousFull
		cfg.WALAutocheckpoint = -1
		return cfg
	}
	if walAutoCheckpoint >= 0 {
		cfg.WALAutocheckpoint = walAutoCheckpoint
	}
	return cfg
}

// Memory returns a configuration for in-memory databases, used by tests.
func Memory() *Config {
	return &Config{
		Path:              ":memory:",
		WALAutocheckpoint: -1,
		ForeignKeys:       true,
	}
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if c.Path == "" {
		return ErrPathEmpty
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("%w, got %d", ErrBusyTimeoutNegative, c.BusyTimeout)
	}
	switch c.JournalMode {
	case "", JournalModeWAL, JournalModeDelete:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidJournalMode, c.JournalMode)
	}
	if c.WALAutocheckpoint < -1 {
		return fmt.Errorf("%w, got %d", ErrWALAutocheckpoint, c.WALAutocheckpoint)
	}
	switch c.Synchronous {
	case "", SynchronousNormal, SynchronousFull:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidSynchronous, c.Synchronous)
	}
	switch c.TxLock {
	case "", TxLockDeferred, TxLockImmediate:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidTxLock, c.TxLock)
	}
	return nil
}

// ToURL builds the connection string using _pragma parameters.
func (c *Config) ToURL() (string, error) {
	if err := c.Validate(); err != nil {
		return "", fmt.Errorf("invalid config: %w", err)
	}

	var params []string
	if c.TxLock != "" {
		params = append(params, "_txlock="+string(c.TxLock))
	}
	if c.BusyTimeout > 0 {
		params = append(params, fmt.Sprintf("_pragma=busy_timeout=%d", c.BusyTimeout))
	}
	if c.JournalMode != "" {
		params = append(params, "_pragma=journal_mode="+string(c.JournalMode))
	}
	if c.WALAutocheckpoint >= 0 {
		params = append(params, fmt.Sprintf("_pragma=wal_autocheckpoint=%d", c.WALAutocheckpoint))
	}
	if c.Synchronous != "" {
		params = append(params, "_pragma=synchronous="+string(c.Synchronous))
	}
	if c.ForeignKeys {
		params = append(params, "_pragma=foreign_keys=ON")
	}

	url := "file:" + c.Path
	if c.Path == ":memory:" {
		url = ":memory:"
	}
	if len(params) > 0 {
		url += "?" + strings.Join(params, "&")
	}
	return url, nil
}
