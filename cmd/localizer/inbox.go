package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/banshee-data/dynamic-localization/internal/localization/cloud"
	"github.com/banshee-data/dynamic-localization/internal/timeutil"
)

type enqueuer interface {
	Enqueue(c *cloud.PointCloud)
}

// inbox enqueues PCD files as they appear in a directory. A file is read
// once it has not changed for settle.
type inbox struct {
	dir    string
	frame  string
	loc    enqueuer
	settle time.Duration
	clock  timeutil.Clock
}

func newInbox(dir, frame string, loc enqueuer, clock timeutil.Clock) *inbox {
	return &inbox{dir: filepath.Clean(dir), frame: frame, loc: loc, settle: 100 * time.Millisecond, clock: clock}
}

func (in *inbox) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(in.dir); err != nil {
		return fmt.Errorf("watch %s: %w", in.dir, err)
	}
	logger.Opsf("watching %s for point clouds", in.dir)

	pending := make(map[string]time.Time)
	tick := in.clock.NewTicker(in.settle / 2)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Ext(ev.Name), ".pcd") {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				pending[ev.Name] = in.clock.Now()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Opsf("inbox watcher: %v", err)
		case <-tick.C():
			snap := timeutil.Take(in.clock)
			for name, changed := range pending {
				if snap.Elapsed(changed) < in.settle {
					continue
				}
				delete(pending, name)
				in.load(name)
			}
		}
	}
}

func (in *inbox) load(path string) {
	c, err := cloud.ReadPCDFile(path)
	if err != nil {
		logger.Opsf("skipping %s: %v", path, err)
		return
	}
	if c.Frame == "" {
		c.Frame = in.frame
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = in.clock.Now()
	}
	if c.Source == "" {
		c.Source = "inbox"
	}
	logger.Tracef("enqueue %s (%d points)", path, c.Len())
	in.loc.Enqueue(c)
}
