// Package store persists run history so repeated runs can be audited.
package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoread/internal/config"
	"github.com/xkilldash9x/autoread/internal/reporting"
)

// Ledger records finished runs.
type Ledger interface {
	RecordRun(ctx context.Context, report *reporting.Report) error
	Close() error
}

// Open returns the ledger selected by cfg.Driver. The "none" driver records nothing.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Ledger, error) {
	switch cfg.Driver {
	case config.StoreNone, "":
		return Nop{}, nil
	case config.StorePostgres:
		return OpenPostgres(ctx, cfg.DSN, logger)
	case config.StoreSQLite:
		return OpenSQLite(ctx, cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Nop discards every run.
type Nop struct{}

func (Nop) RecordRun(context.Context, *reporting.Report) error { return nil }
func (Nop) Close() error                                       { return nil }
