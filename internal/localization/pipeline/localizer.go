package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/dynamic-localization/internal/config"
	"github.com/banshee-data/dynamic-localization/internal/localization"
	"github.com/banshee-data/dynamic-localization/internal/localization/backlog"
	"github.com/banshee-data/dynamic-localization/internal/localization/frames"
	"github.com/banshee-data/dynamic-localization/internal/localization/geometry"
	"github.com/banshee-data/dynamic-localization/internal/localization/l6tracking"
	"github.com/banshee-data/dynamic-localization/internal/localization/refmap"
	"github.com/banshee-data/dynamic-localization/internal/monitoring"
	"github.com/banshee-data/dynamic-localization/internal/timeutil"
)

var logger = monitoring.For("pipeline")

// CycleStore persists diagnostics. Implementations live outside the
// localization packages (see storage/sqlite).
type CycleStore interface {
	RecordCycle(d localization.Diagnostics) error
	RecordMapLoad(m localization.MapLoad) error
}

// Observer receives every diagnostics record, e.g. to update metrics.
type Observer interface {
	Observe(d localization.Diagnostics)
}

// Config holds the localizer's dependencies. Only Config is required.
type Config struct {
	Config *config.Config
	// ConfigPath is reloaded by ReloadConfiguration when no path is given.
	ConfigPath string
	Clock      timeutil.Clock
	// Frames resolves sensor frames into the base frame and, when odometry
	// is recorded on it, the odometry displacement.
	Frames    frames.Transformer
	MapSource refmap.Source
	Store     CycleStore
	Observers []Observer
	Publisher *Publisher
}

// Localizer runs the localization cycle. Create it with New.
type Localizer struct {
	cycleMu sync.Mutex
	stages  atomic.Pointer[stages]

	clock      timeutil.Clock
	frames     frames.Transformer
	maps       *refmap.Manager
	mapSource  refmap.Source
	configPath string

	machine *l6tracking.Machine
	queue   *backlog.Queue
	accum   *backlog.Accumulator

	publisher *Publisher
	store     CycleStore
	observers []Observer

	subscribersEnabled atomic.Bool

	// Admission bookkeeping, guarded by cycleMu.
	lastCloudTime    time.Time
	lastRegistration time.Time
	lastPoseTime     time.Time
	processed        int

	statusMu sync.Mutex
	status   Status
}

// New builds a localizer from cfg. It does not load the reference map;
// call ReloadReferenceMap or SetReferenceMap.
func New(cfg Config) (*Localizer, error) {
	if cfg.Config == nil {
		return nil, fmt.Errorf("pipeline: config is required")
	}
	st, err := buildStages(cfg.Config)
	if err != nil {
		return nil, err
	}
	l := &Localizer{
		clock:      cfg.Clock,
		frames:     cfg.Frames,
		mapSource:  cfg.MapSource,
		configPath: cfg.ConfigPath,
		maps:       refmap.NewManager(st.maps),
		machine:    l6tracking.New(st.tracking),
		queue:      backlog.NewQueue(cfg.Config.GetPerSourceCapacity()),
		publisher:  cfg.Publisher,
		store:      cfg.Store,
		observers:  cfg.Observers,
	}
	if l.clock == nil {
		l.clock = timeutil.RealClock{}
	}
	if l.publisher == nil {
		l.publisher = NewPublisher()
	}
	if cfg.Config.GetAccumulatorEnabled() {
		l.accum = backlog.NewAccumulator(backlog.AccumulatorParamsFromConfig(cfg.Config))
	}
	l.stages.Store(st)
	l.subscribersEnabled.Store(!cfg.Config.GetStartDisabled())

	l.status = Status{LastStatus: localization.StatusWaitingForSensorData}
	l.refreshStatusLocked()
	return l, nil
}

// Publisher returns the diagnostics publisher.
func (l *Localizer) Publisher() *Publisher { return l.publisher }

// Maps returns the reference map manager.
func (l *Localizer) Maps() *refmap.Manager { return l.maps }

// Config returns the active configuration.
func (l *Localizer) Config() *config.Config { return l.stages.Load().cfg }

// Close releases the publisher's subscribers.
func (l *Localizer) Close() error {
	return l.publisher.Close()
}

// emit hands a finished record to every consumer.
func (l *Localizer) emit(d localization.Diagnostics) {
	l.statusMu.Lock()
	l.status.LastStatus = d.Status
	l.status.LastCycleID = d.CycleID
	l.status.Cycles++
	l.status.Mode = d.Mode
	l.statusMu.Unlock()

	if d.Transition != nil {
		logger.Diagw("mode transition", "cycle", d.CycleID, "from", d.Transition.From, "to", d.Transition.To, "reason", d.Transition.Reason)
	}
	logger.Diagw("cycle",
		"cycle", d.CycleID, "status", d.Status, "mode", d.Mode, "source", d.Source,
		"points", d.RawPoints, "rmse", d.InlierRMSE, "outliers", d.OutlierPercentage,
		"duration", d.Durations.Total)
	if logger.TraceEnabled() {
		for _, m := range d.Matchers {
			logger.Tracef("cycle %s matcher %s: %d iterations, rmse %.4f, %d correspondences, converged=%t, %s",
				d.CycleID, m.Name, m.Iterations, m.RMSE, m.Correspondences, m.Converged, m.Duration)
		}
	}

	l.publisher.Publish(d)
	if l.store != nil {
		if err := l.store.RecordCycle(d); err != nil {
			logger.Opsf("record cycle %s: %v", d.CycleID, err)
		}
	}
	for _, o := range l.observers {
		o.Observe(d)
	}
}

func (l *Localizer) recordMapLoad(s *refmap.Snapshot) {
	if l.store == nil || s == nil {
		return
	}
	err := l.store.RecordMapLoad(localization.MapLoad{
		Version:  s.Version,
		LoadedAt: s.LoadedAt,
		Points:   s.Len(),
		Source:   s.Source,
	})
	if err != nil {
		logger.Opsf("record map load v%d: %v", s.Version, err)
	}
}

// refreshStatusLocked copies the machine-derived fields into the status
// snapshot. The caller holds cycleMu or is the constructor.
func (l *Localizer) refreshStatusLocked() {
	snap := l.maps.Current()

	l.statusMu.Lock()
	defer l.statusMu.Unlock()
	s := &l.status
	s.Mode = l.machine.Mode()
	s.Counters = l.machine.Counters()
	s.ProcessedCount = l.processed
	s.LastCloudTime = l.lastCloudTime
	s.AcceptedCorrections = l.machine.HistoryLen()
	s.LastPose = nil
	if p, at, ok := l.machine.LastAccepted(); ok {
		s.LastPose = &p
		s.LastPoseAt = at
	}
	s.MapVersion, s.MapPoints, s.MapSource = 0, 0, ""
	if snap != nil {
		s.MapVersion, s.MapPoints, s.MapSource = snap.Version, snap.Len(), snap.Source
	}
}

// Status is a point-in-time view of the localizer for the control plane.
type Status struct {
	Mode                localization.TrackingMode      `json:"mode"`
	Counters            l6tracking.Counters            `json:"failure_counters"`
	SubscribersEnabled  bool                           `json:"subscribers_enabled"`
	ProcessedCount      int                            `json:"processed_count"`
	Cycles              uint64                         `json:"cycles"`
	LastStatus          localization.Status            `json:"last_status"`
	LastCycleID         string                         `json:"last_cycle_id,omitempty"`
	LastCloudTime       time.Time                      `json:"last_cloud_time"`
	LastPose            *geometry.PoseWithCovariance   `json:"last_pose,omitempty"`
	LastPoseAt          time.Time                      `json:"last_pose_at"`
	AcceptedCorrections int                            `json:"accepted_corrections"`
	MapVersion          uint64                         `json:"map_version"`
	MapPoints           int                            `json:"map_points"`
	MapSource           string                         `json:"map_source,omitempty"`
	Backlog             map[string]backlog.SourceStats `json:"backlog"`
}

// Status returns a snapshot of the localizer's state.
func (l *Localizer) Status() Status {
	l.statusMu.Lock()
	s := l.status
	l.statusMu.Unlock()
	s.SubscribersEnabled = l.subscribersEnabled.Load()
	s.Backlog = l.queue.Stats()
	return s
}

// Run drains the backlog one cycle at a time until ctx is done.
func (l *Localizer) Run(ctx context.Context) error {
	for {
		for {
			c, dropped, ok := l.queue.Pop()
			if !ok {
				break
			}
			l.cycleMu.Lock()
			d := l.cycle(ctx, c, dropped)
			l.emit(d)
			l.cycleMu.Unlock()
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.queue.Ready():
		}
	}
}
