package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flowlinehq/flowline/pkg/persistence"
	"github.com/flowlinehq/flowline/pkg/persistence/file"
	"github.com/flowlinehq/flowline/pkg/persistence/postgresql"
)

// NewPersistence picks a persistence adapter from the database URL scheme.
// postgres:// and postgresql:// select the PostgreSQL adapter, anything
// else falls back to the file adapter using the URL path as its root.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parsePersistenceProvider(databaseURL) {
	case "postgres", "postgresql":
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create PostgreSQL persistence: %w", err)
		}

		return p, nil
	default:
		return file.NewPersistence(strings.TrimPrefix(databaseURL, "file://")), nil
	}
}

func parsePersistenceProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	return provider
}
