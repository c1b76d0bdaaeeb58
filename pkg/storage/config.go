package storage

import (
	"context"
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "sqlite", "Storage provider to use (available: sqlite, postgres, firestore, none)")

	var p struct{ Database }

	fs := configuredFirestore()
	sqlite := configuredSQLite()
	postgres := configuredPostgres()

	lflag.Do(func() {
		var init func(context.Context) error
		switch *provider {
		case "sqlite":
			p.Database, init = sqlite, sqlite.Init
		case "postgres":
			if postgres.dsn == "" {
				panic("postgres validation failed: missing postgres-dsn")
			}
			p.Database, init = postgres, postgres.Init
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database, init = fs, fs.Init
		case "none":
			p.Database = None{}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
		if init != nil {
			if err := init(context.Background()); err != nil {
				panic(fmt.Sprintf("%s init failed: %v", *provider, err))
			}
		}
	})

	return &p
}
