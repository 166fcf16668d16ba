// Package cmd provides common initialization helpers for the command-line
// binaries.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loomworks/loom/pkg/store"
	"github.com/loomworks/loom/pkg/store/memory"
	"github.com/loomworks/loom/pkg/store/postgresql"
	"github.com/loomworks/loom/pkg/store/sqlite"
)

// NewStore builds a durable store from a database URL. SQLite is the
// local-first default; PostgreSQL serves shared deployments and memory
// serves tests.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) (store.Store, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return postgresql.NewStore(ctx, logger, databaseURL)
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return sqlite.NewStore(ctx, logger, databaseURL)
	case databaseURL == "memory://":
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unsupported database URL %q (expected sqlite://, postgres:// or memory://)", databaseURL)
	}
}
