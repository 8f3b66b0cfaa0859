package history

import (
	"context"
	"fmt"
)

// Drivers accepted by Open.
const (
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// DefaultPath is where the Badger backend keeps its files by default.
const DefaultPath = "data/push_history"

// Open returns the backend selected by driver. path is used by Badger,
// dsn by Postgres.
func Open(ctx context.Context, driver, path, dsn string) (Backend, error) {
	switch driver {
	case "", DriverBadger:
		if path == "" {
			path = DefaultPath
		}
		return OpenBadger(path)
	case DriverPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("postgres history needs a DSN")
		}
		return OpenPostgres(ctx, dsn)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown history driver %q", driver)
	}
}
