package recordstore

import (
	"fmt"

	"go.uber.org/zap"
)

// Options selects and configures a store backend.
type Options struct {
	// Provider is "sqlite" or "chromem". Empty defaults to sqlite.
	Provider string

	// Path is the database file path (sqlite only).
	Path string
}

// New creates the configured store backend.
func New(opts Options, logger *zap.Logger) (Store, error) {
	switch opts.Provider {
	case "", "sqlite":
		return NewSQLiteStore(opts.Path, logger)
	case "chromem":
		return NewChromemStore(logger)
	default:
		return nil, fmt.Errorf("unknown record store provider: %q", opts.Provider)
	}
}
