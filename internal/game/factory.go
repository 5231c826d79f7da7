package game

import (
	"context"
	"strings"
)

// NewStore selects a store from the database URL: postgres for postgres://
// URLs, sqlite for any other non-empty value (treated as a file path),
// in-memory when unset.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	switch {
	case databaseURL == "":
		return NewMemoryStore(), nil
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return NewPostgresStore(ctx, databaseURL)
	default:
		return NewSQLiteStore(ctx, databaseURL)
	}
}
