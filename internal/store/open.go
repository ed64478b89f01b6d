package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/albapepper/hoopcal/internal/config"
)

// Opener abstracts backend construction so Open can live in this package
// without every backend package importing store (which would be a cycle
// for filestore/rowstore/edgesql, which already import store for the
// entity types). Each backend registers itself via init().
type Opener func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, error)

var openers = map[config.DBType]Opener{}

// Register is called from each backend package's init() to make itself
// selectable via cfg.DBType.
func Register(dbType config.DBType, opener Opener) {
	openers[dbType] = opener
}

// Open constructs the Store backend selected by cfg.DBType (§4.A "Backend
// variants... selection is by configuration at process start").
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, error) {
	opener, ok := openers[cfg.DBType]
	if !ok {
		return nil, fmt.Errorf("store: no backend registered for DB_TYPE=%q", cfg.DBType)
	}
	return opener(ctx, cfg, logger)
}
