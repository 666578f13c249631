// Package history persists conversation sessions and their messages, along
// with the users, providers and models they reference.
//
// Two backends are available: SQLite (the default, embedded) and PostgreSQL.
// Both create their schema on open.
package history

import (
	"context"
	"fmt"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects to the backend named by driver and makes sure its schema
// exists.
func Open(ctx context.Context, driver, dsn string) (Repository, error) {
	switch driver {
	case DriverSQLite, "":
		return OpenSQLite(ctx, dsn)
	case DriverPostgres:
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("history: unknown driver %q", driver)
	}
}
