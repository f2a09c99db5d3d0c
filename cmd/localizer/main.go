// Command localizer runs the dynamic localization pipeline.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/banshee-data/dynamic-localization/internal/monitoring"
	"github.com/banshee-data/dynamic-localization/internal/version"
)

const (
	flagConfig      = "config"
	flagMap         = "map"
	flagDB          = "db"
	flagPostgres    = "postgres"
	flagListen      = "listen"
	flagGRPC        = "grpc"
	flagInbox       = "inbox"
	flagAllowDir    = "allow-dir"
	flagInitialPose = "initial-pose"
	flagLogLevel    = "log-level"
	flagClouds      = "clouds"
	flagRate        = "rate"
	flagFrame       = "frame"
	flagOut         = "out"
	flagRun         = "run"
	flagSteps       = "steps"
)

func newApp() *cli.App {
	configFlag := &cli.StringFlag{
		Name:     flagConfig,
		Aliases:  []string{"c"},
		Usage:    "load configuration from `FILE` (JSON or YAML)",
		EnvVars:  []string{"LOCALIZER_CONFIG"},
		Required: true,
	}
	mapFlag := &cli.StringFlag{
		Name:  flagMap,
		Usage: "reference map `LOCATION` (PCD path or s3://bucket/key), overrides map.source",
	}
	dbFlag := &cli.StringFlag{
		Name:  flagDB,
		Usage: "record diagnostics to the SQLite database at `PATH`",
	}
	postgresFlag := &cli.StringFlag{
		Name:    flagPostgres,
		Usage:   "also record diagnostics to the Postgres database at `DSN`",
		EnvVars: []string{"LOCALIZER_POSTGRES_DSN"},
	}
	poseFlag := &cli.StringFlag{
		Name:  flagInitialPose,
		Usage: "initial pose as `X,Y,YAW` or X,Y,Z,ROLL,PITCH,YAW in the map frame",
	}
	logFlag := &cli.StringFlag{
		Name:  flagLogLevel,
		Usage: "override logging.level (debug, info, warn, error)",
	}

	return &cli.App{
		Name:    "localizer",
		Usage:   "track a robot's pose against a reference point cloud map",
		Version: version.String(),
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run the localizer as a service",
				Flags: []cli.Flag{
					configFlag, mapFlag, dbFlag, postgresFlag, poseFlag, logFlag,
					&cli.StringFlag{Name: flagListen, Value: ":8080", Usage: "HTTP monitor and API `ADDRESS`"},
					&cli.StringFlag{Name: flagGRPC, Value: ":50061", Usage: "gRPC control `ADDRESS`; empty disables it"},
					&cli.StringFlag{Name: flagInbox, Usage: "enqueue PCD files written to `DIR`"},
					&cli.StringSliceFlag{Name: flagAllowDir, Usage: "directory HTTP callers may name in config and map paths (repeatable)"},
				},
				Action: runCommand,
			},
			{
				Name:  "replay",
				Usage: "feed a directory of PCD files through the localizer in name order",
				Flags: []cli.Flag{
					configFlag, mapFlag, dbFlag, postgresFlag, poseFlag, logFlag,
					&cli.StringFlag{Name: flagClouds, Required: true, Usage: "`DIR` holding the PCD files"},
					&cli.Float64Flag{Name: flagRate, Value: 10, Usage: "clouds per second; 0 replays as fast as possible"},
					&cli.StringFlag{Name: flagFrame, Usage: "frame of the replayed clouds; defaults to the base frame"},
				},
				Action: replayCommand,
			},
			{
				Name:  "plot",
				Usage: "write trajectory and quality PNGs for a recorded run",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagDB, Required: true, Usage: "diagnostics database `PATH`"},
					&cli.StringFlag{Name: flagOut, Value: ".", Usage: "output `DIR`"},
					&cli.StringFlag{Name: flagRun, Usage: "run `ID`; defaults to the latest run"},
				},
				Action: plotCommand,
			},
			{
				Name:  "migrate",
				Usage: "apply or roll back diagnostics database migrations",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagDB, Required: true, Usage: "diagnostics database `PATH`"},
					&cli.IntFlag{Name: flagSteps, Usage: "roll back `N` migrations instead of migrating up"},
				},
				Action: migrateCommand,
			},
		},
		After: func(*cli.Context) error {
			_ = monitoring.Sync()
			return nil
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "localizer:", err)
		os.Exit(1)
	}
}
