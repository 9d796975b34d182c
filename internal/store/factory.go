package store

import "fmt"

// OpenKV builds the write-through adapter for the configured backend.
// Backend "none" returns nil: the store runs purely in memory.
func OpenKV(backend, dsn, region string) (KV, error) {
	switch backend {
	case "", "none":
		return nil, nil
	case "sqlite":
		return NewSQLiteKV(dsn)
	case "postgres":
		return NewPostgresKV(dsn, region)
	default:
		return nil, fmt.Errorf("unknown kv backend %q", backend)
	}
}
