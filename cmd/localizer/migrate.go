package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/banshee-data/dynamic-localization/internal/localization/storage/sqlite"
)

// migrateCommand brings the database to the latest schema (Open migrates
// up) and then rolls back --steps migrations.
func migrateCommand(c *cli.Context) error {
	store, err := sqlite.Open(c.String(flagDB))
	if err != nil {
		return err
	}
	defer store.Close()

	for i := 0; i < c.Int(flagSteps); i++ {
		if err := store.MigrateDown(); err != nil {
			return err
		}
	}
	version, dirty, err := store.MigrateVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "schema version %d (dirty=%v)\n", version, dirty)
	return nil
}
