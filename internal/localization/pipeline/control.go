package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/dynamic-localization/internal/config"
	"github.com/banshee-data/dynamic-localization/internal/localization"
	"github.com/banshee-data/dynamic-localization/internal/localization/backlog"
	"github.com/banshee-data/dynamic-localization/internal/localization/cloud"
	"github.com/banshee-data/dynamic-localization/internal/localization/frames"
	"github.com/banshee-data/dynamic-localization/internal/localization/geometry"
	"github.com/banshee-data/dynamic-localization/internal/localization/refmap"
)

// Reply is the outcome of a control request.
type Reply struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func ok(format string, args ...any) Reply {
	return Reply{OK: true, Message: fmt.Sprintf(format, args...)}
}

func failed(err error) Reply {
	return Reply{Message: err.Error()}
}

// Enqueue hands c to the backlog. A cloud evicted to make room is reported
// as PointCloudDiscarded.
func (l *Localizer) Enqueue(c *cloud.PointCloud) {
	if c == nil {
		return
	}
	res := l.queue.Push(c)
	if res.Duplicate {
		logger.Tracef("duplicate cloud from %q at %s ignored", c.Source, c.Timestamp)
		return
	}
	if ev := res.Evicted; ev != nil {
		l.emit(localization.Diagnostics{
			CycleID:   uuid.NewString(),
			Status:    localization.StatusPointCloudDiscarded,
			Mode:      l.Status().Mode,
			Reason:    "backlog full",
			Source:    ev.Source,
			CloudTime: ev.Timestamp,
			CycleTime: l.clock.Now(),
			RawPoints: ev.Len(),
		})
	}
}

// StartProcessing enables the cloud subscribers.
func (l *Localizer) StartProcessing() Reply {
	if l.subscribersEnabled.Swap(true) {
		return ok("processing already enabled")
	}
	logger.Diagf("processing enabled")
	return ok("processing enabled")
}

// StopProcessing disables the cloud subscribers. Clouds still arriving are
// rejected at admission unless process_when_disabled is set.
func (l *Localizer) StopProcessing() Reply {
	if !l.subscribersEnabled.Swap(false) {
		return ok("processing already disabled")
	}
	logger.Diagf("processing disabled")
	return ok("processing disabled")
}

// ReloadConfiguration loads path, or the configured path when empty, and
// applies it between cycles.
func (l *Localizer) ReloadConfiguration(path string) Reply {
	if path == "" {
		l.cycleMu.Lock()
		path = l.configPath
		l.cycleMu.Unlock()
	}
	if path == "" {
		return failed(fmt.Errorf("no configuration path"))
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Opsf("reload configuration %s: %v", path, err)
		return failed(err)
	}
	if err := l.ApplyConfig(cfg); err != nil {
		return failed(err)
	}
	l.cycleMu.Lock()
	l.configPath = path
	l.cycleMu.Unlock()
	return ok("configuration reloaded from %s", path)
}

// ApplyConfig rebuilds every stage from cfg and swaps it in between
// cycles. On error the previous configuration stays active.
func (l *Localizer) ApplyConfig(cfg *config.Config) error {
	st, err := buildStages(cfg)
	if err != nil {
		logger.Opsf("apply configuration: %v", err)
		return err
	}
	if tree, isTree := l.frames.(*frames.Tree); isTree {
		if err := tree.LoadStatic(cfg); err != nil {
			logger.Opsf("apply configuration: %v", err)
			return err
		}
	}

	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()
	prev := l.stages.Swap(st)
	l.machine.SetParams(st.tracking)
	l.maps.SetParams(st.maps)
	l.queue.SetCapacity(cfg.GetPerSourceCapacity())
	switch {
	case !cfg.GetAccumulatorEnabled():
		l.accum = nil
	case l.accum == nil || !accumulatorParamsEqual(l.accum.Params(), backlog.AccumulatorParamsFromConfig(cfg)):
		l.accum = backlog.NewAccumulator(backlog.AccumulatorParamsFromConfig(cfg))
	}
	if prev != nil && prev.cfg.GetStartDisabled() != cfg.GetStartDisabled() {
		l.subscribersEnabled.Store(!cfg.GetStartDisabled())
	}
	l.refreshStatusLocked()
	logger.Diagw("configuration applied", "update_mode", cfg.GetUpdateMode(), "base_frame", cfg.GetBaseFrame())
	return nil
}

func accumulatorParamsEqual(a, b backlog.AccumulatorParams) bool {
	if len(a.Sources) != len(b.Sources) {
		return false
	}
	for i := range a.Sources {
		if a.Sources[i] != b.Sources[i] {
			return false
		}
	}
	return a.RequireAllSources == b.RequireAllSources &&
		a.MaxPoints == b.MaxPoints &&
		a.MinPoints == b.MinPoints &&
		a.ClearOnFailure == b.ClearOnFailure
}

// ReloadReferenceMap loads the map from the configured source.
func (l *Localizer) ReloadReferenceMap(ctx context.Context) Reply {
	if l.mapSource == nil {
		return failed(fmt.Errorf("no reference map source configured"))
	}
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()
	s, err := l.maps.Load(ctx, l.mapSource)
	if err != nil {
		return failed(err)
	}
	l.recordMapLoad(s)
	l.refreshStatusLocked()
	return ok("reference map v%d loaded from %s (%d points)", s.Version, s.Source, s.Len())
}

// SetReferenceMap publishes c as the reference map.
func (l *Localizer) SetReferenceMap(c *cloud.PointCloud, source string) Reply {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()
	s, err := l.maps.Set(c, source, l.clock.Now())
	if err != nil {
		return failed(err)
	}
	l.recordMapLoad(s)
	l.refreshStatusLocked()
	return ok("reference map v%d set (%d points)", s.Version, s.Len())
}

// SaveReferenceMap writes the current map to dst.
func (l *Localizer) SaveReferenceMap(ctx context.Context, dst refmap.Sink, binary bool) Reply {
	if err := l.maps.SaveSnapshot(ctx, dst, binary); err != nil {
		return failed(err)
	}
	return ok("reference map saved to %s", dst.Name())
}

// SetInitialPose reseeds tracking from p. A pose in another frame than the
// map frame is transformed when a transform is available.
func (l *Localizer) SetInitialPose(p geometry.PoseWithCovariance) Reply {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()
	mapFrame := l.stages.Load().cfg.GetMapFrame()
	pose := p.Pose
	if pose.Frame != "" && pose.Frame != mapFrame {
		if l.frames == nil {
			return failed(fmt.Errorf("initial pose in %q: %w", pose.Frame, frames.ErrNoPath))
		}
		tf, err := l.frames.Lookup(mapFrame, pose.Frame, pose.Timestamp)
		if err != nil {
			return failed(fmt.Errorf("initial pose in %q: %w", pose.Frame, err))
		}
		pose = tf.Compose(pose)
	}
	if !pose.IsValid() {
		return failed(fmt.Errorf("initial pose: %w", geometry.ErrDegenerateTransform))
	}
	pose.Frame = mapFrame
	if tr := l.machine.SetInitialPose(pose); tr != nil {
		logger.Diagw("mode transition", "from", tr.From, "to", tr.To, "reason", tr.Reason)
	}
	if l.accum != nil {
		l.accum.Reset()
	}
	l.lastPoseTime = pose.Timestamp
	l.refreshStatusLocked()
	return ok("initial pose set")
}

// Reset returns tracking to initial pose estimation and drops buffered
// clouds.
func (l *Localizer) Reset() Reply {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()
	if tr := l.machine.Reset(); tr != nil {
		logger.Diagw("mode transition", "from", tr.From, "to", tr.To, "reason", tr.Reason)
	}
	if l.accum != nil {
		l.accum.Reset()
	}
	l.queue.Clear()
	l.lastPoseTime = time.Time{}
	l.refreshStatusLocked()
	return ok("tracking reset")
}

// ResetProcessedCount clears the counter behind processing_limit.
func (l *Localizer) ResetProcessedCount() Reply {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()
	l.processed = 0
	l.refreshStatusLocked()
	return ok("processed count reset")
}

// AcceptedCorrections returns the recent accepted corrections, oldest
// first.
func (l *Localizer) AcceptedCorrections() []geometry.Pose {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()
	return l.machine.Corrections()
}
