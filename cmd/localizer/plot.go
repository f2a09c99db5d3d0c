package main

import (
	"encoding/json"
	"errors"

	"github.com/urfave/cli/v2"

	"github.com/banshee-data/dynamic-localization/internal/localization/report"
	"github.com/banshee-data/dynamic-localization/internal/localization/storage/sqlite"
)

func plotCommand(c *cli.Context) error {
	store, err := sqlite.Open(c.String(flagDB))
	if err != nil {
		return err
	}
	defer store.Close()

	runID := c.String(flagRun)
	if runID == "" {
		if runID, err = store.LatestRunID(); err != nil {
			return err
		}
		if runID == "" {
			return errors.New("no runs recorded")
		}
	}
	summary, err := report.Generate(store, runID, c.String(flagOut))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
