package main

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/banshee-data/dynamic-localization/internal/api"
	"github.com/banshee-data/dynamic-localization/internal/config"
	"github.com/banshee-data/dynamic-localization/internal/localization"
	"github.com/banshee-data/dynamic-localization/internal/localization/frames"
	"github.com/banshee-data/dynamic-localization/internal/localization/metrics"
	"github.com/banshee-data/dynamic-localization/internal/localization/monitor"
	"github.com/banshee-data/dynamic-localization/internal/localization/pipeline"
	"github.com/banshee-data/dynamic-localization/internal/localization/refmap"
	"github.com/banshee-data/dynamic-localization/internal/localization/storage/postgres"
	"github.com/banshee-data/dynamic-localization/internal/localization/storage/sqlite"
	"github.com/banshee-data/dynamic-localization/internal/monitoring"
)

var logger = monitoring.For("localizer")

// stack is everything a run or replay wires around the localizer.
type stack struct {
	cfg      *config.Config
	cfgPath  string
	loc      *pipeline.Localizer
	frames   *frames.Tree
	store    *sqlite.Store
	fleet    *postgres.Store
	metrics  *metrics.Collector
	recorder *monitor.Recorder
}

func setupLogging(cfg *config.Config, override string) error {
	level := cfg.GetLogLevel()
	if override != "" {
		level = override
	}
	streams, err := monitoring.NewStreams(monitoring.Options{
		Level:       level,
		Development: cfg.GetLogDevelopment(),
		Trace:       cfg.GetLogTrace(),
	})
	if err != nil {
		return err
	}
	monitoring.SetStreams(streams)
	return nil
}

// newStack loads the configuration and builds the localizer with its
// store, metrics and frame tree. The reference map and initial pose flags
// are applied before it returns.
func newStack(ctx context.Context, c *cli.Context) (*stack, error) {
	path := c.String(flagConfig)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := setupLogging(cfg, c.String(flagLogLevel)); err != nil {
		return nil, err
	}

	s := &stack{cfg: cfg, cfgPath: path, metrics: metrics.New(), recorder: monitor.NewRecorder(0)}
	s.frames, err = frames.NewTreeFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	pc := pipeline.Config{
		Config:     cfg,
		ConfigPath: path,
		Frames:     s.frames,
		Observers:  []pipeline.Observer{s.metrics},
	}
	if db := c.String(flagDB); db != "" {
		s.store, err = sqlite.Open(db)
		if err != nil {
			return nil, err
		}
		if _, err := s.store.StartRun(path); err != nil {
			s.store.Close()
			return nil, err
		}
	}
	if dsn := c.String(flagPostgres); dsn != "" {
		s.fleet, err = postgres.Open(ctx, dsn)
		if err != nil {
			s.close()
			return nil, err
		}
		if _, err := s.fleet.StartRun(ctx, path); err != nil {
			s.close()
			return nil, err
		}
	}
	pc.Store = s.cycleStore()

	location := c.String(flagMap)
	if location == "" {
		location = cfg.GetMapSource()
	}
	if location != "" {
		src, err := refmap.OpenLocation(ctx, location, refmap.S3OptionsFromConfig(cfg))
		if err != nil {
			s.close()
			return nil, err
		}
		pc.MapSource = src
	}

	s.loc, err = pipeline.New(pc)
	if err != nil {
		s.close()
		return nil, err
	}

	if pc.MapSource != nil {
		if r := s.loc.ReloadReferenceMap(ctx); !r.OK {
			if cfg.GetMapRequired() {
				s.close()
				return nil, fmt.Errorf("load reference map: %s", r.Message)
			}
			logger.Opsf("continuing without reference map: %s", r.Message)
		}
	}

	if spec := c.String(flagInitialPose); spec != "" {
		req, err := parseInitialPose(spec)
		if err != nil {
			s.close()
			return nil, err
		}
		req.Frame = cfg.GetMapFrame()
		p, err := req.Pose(time.Now())
		if err != nil {
			s.close()
			return nil, err
		}
		if r := s.loc.SetInitialPose(p); !r.OK {
			s.close()
			return nil, fmt.Errorf("initial pose: %s", r.Message)
		}
	}
	return s, nil
}

// parseInitialPose reads "x,y,yaw" or "x,y,z,roll,pitch,yaw".
func parseInitialPose(spec string) (api.PoseRequest, error) {
	parts := strings.Split(spec, ",")
	v := make([]float64, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return api.PoseRequest{}, fmt.Errorf("initial pose %q: bad value %q", spec, p)
		}
		v[i] = f
	}
	switch len(v) {
	case 3:
		return api.PoseRequest{X: v[0], Y: v[1], Yaw: v[2]}, nil
	case 6:
		return api.PoseRequest{X: v[0], Y: v[1], Z: v[2], Roll: v[3], Pitch: v[4], Yaw: v[5]}, nil
	default:
		return api.PoseRequest{}, fmt.Errorf("initial pose %q: want 3 or 6 values, got %d", spec, len(v))
	}
}

// teeStore records into every store, collecting their errors.
type teeStore []pipeline.CycleStore

func (t teeStore) RecordCycle(d localization.Diagnostics) error {
	var err error
	for _, s := range t {
		err = multierr.Append(err, s.RecordCycle(d))
	}
	return err
}

func (t teeStore) RecordMapLoad(m localization.MapLoad) error {
	var err error
	for _, s := range t {
		err = multierr.Append(err, s.RecordMapLoad(m))
	}
	return err
}

func (s *stack) cycleStore() pipeline.CycleStore {
	var t teeStore
	if s.store != nil {
		t = append(t, s.store)
	}
	if s.fleet != nil {
		t = append(t, s.fleet)
	}
	switch len(t) {
	case 0:
		return nil
	case 1:
		return t[0]
	}
	return t
}

func (s *stack) close() error {
	var err error
	if s.loc != nil {
		err = multierr.Append(err, s.loc.Close())
	}
	if s.store != nil {
		err = multierr.Append(err, s.store.Close())
	}
	if s.fleet != nil {
		err = multierr.Append(err, s.fleet.Close())
	}
	return err
}
