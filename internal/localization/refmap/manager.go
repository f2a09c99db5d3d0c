package refmap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/dynamic-localization/internal/config"
	"github.com/banshee-data/dynamic-localization/internal/localization/cloud"
	"github.com/banshee-data/dynamic-localization/internal/localization/l4outliers"
	"github.com/banshee-data/dynamic-localization/internal/monitoring"
)

var logger = monitoring.For("refmap")

var (
	// ErrNoReference is returned when an operation needs a loaded map.
	ErrNoReference = errors.New("no reference map loaded")
	// ErrReferenceTooSmall is returned for maps below the configured minimum.
	ErrReferenceTooSmall = errors.New("reference map has too few points")
	// ErrStaleVersion is returned by Prepare when the map changed underneath.
	ErrStaleVersion = errors.New("reference map version changed")
	// ErrUnknownUpdateMode is returned for an unrecognised integration mode.
	ErrUnknownUpdateMode = errors.New("unknown map update mode")
)

// Snapshot is one published version of the reference map. It must not be
// modified after publication.
type Snapshot struct {
	Cloud *cloud.PointCloud
	Index *cloud.SpatialIndex
	// Keypoints is the matcher input for feature matchers; it is Cloud when
	// no keypoints were detected.
	Keypoints *cloud.PointCloud
	Version   uint64
	LoadedAt  time.Time
	Source    string
	// Prepared is set once reference preprocessing has run on Cloud.
	Prepared bool
}

// Len is the number of map points. A nil snapshot has length zero.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return s.Cloud.Len()
}

// Params configures the manager.
type Params struct {
	UpdateMode  string
	Incremental bool
	MinPoints   int
	Required    bool
	MinInterval time.Duration
	// IntegrationFilter runs over the points selected for integration.
	IntegrationFilter func(*cloud.PointCloud) (*cloud.PointCloud, error)
}

// ParamsFromConfig resolves Params from the map section of cfg.
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		UpdateMode:  cfg.GetUpdateMode(),
		Incremental: cfg.GetUseIncrementalUpdate(),
		MinPoints:   cfg.GetMapMinPoints(),
		Required:    cfg.GetMapRequired(),
		MinInterval: cfg.GetMinIntervalBetweenUpdates(),
	}
}

// Manager owns the reference map.
type Manager struct {
	current atomic.Pointer[Snapshot]

	mu              sync.Mutex
	params          Params
	version         uint64
	lastIntegration time.Time
}

// NewManager returns a manager with no map loaded.
func NewManager(p Params) *Manager {
	return &Manager{params: p}
}

// SetParams replaces the manager's parameters.
func (m *Manager) SetParams(p Params) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params = p
}

// Params returns the active parameters.
func (m *Manager) Params() Params {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.params
}

// Current returns the published snapshot, or nil when no map is loaded.
func (m *Manager) Current() *Snapshot {
	return m.current.Load()
}

// Load reads a map from src and publishes it. The previous map is kept
// when loading fails.
func (m *Manager) Load(ctx context.Context, src Source) (*Snapshot, error) {
	c, err := src.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load reference map from %s: %w", src.Name(), err)
	}
	s, err := m.Set(c, src.Name(), time.Now())
	if err != nil {
		return nil, err
	}
	logger.Diagw("reference map loaded", "source", src.Name(), "points", s.Len(), "version", s.Version)
	return s, nil
}

// Set publishes c as the new, unprepared reference map.
func (m *Manager) Set(c *cloud.PointCloud, source string, now time.Time) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Len() < m.params.MinPoints {
		return nil, fmt.Errorf("%w: %d < %d", ErrReferenceTooSmall, c.Len(), m.params.MinPoints)
	}
	m.version++
	m.lastIntegration = time.Time{}
	s := &Snapshot{
		Cloud:     c,
		Index:     c.Index(),
		Keypoints: c,
		Version:   m.version,
		LoadedAt:  now,
		Source:    source,
	}
	m.current.Store(s)
	return s, nil
}

// Clear unloads the map.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.Store(nil)
}

// Prepare republishes the given version with its preprocessed cloud and
// keypoints. It fails with ErrStaleVersion when another version has been
// published since.
func (m *Manager) Prepare(version uint64, prepared, keypoints *cloud.PointCloud) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.current.Load()
	if cur == nil {
		return nil, ErrNoReference
	}
	if cur.Version != version {
		return nil, fmt.Errorf("%w: have %d, prepared %d", ErrStaleVersion, cur.Version, version)
	}
	if keypoints == nil || keypoints.Len() == 0 {
		keypoints = prepared
	}
	s := &Snapshot{
		Cloud:     prepared,
		Index:     prepared.Index(),
		Keypoints: keypoints,
		Version:   cur.Version,
		LoadedAt:  cur.LoadedAt,
		Source:    cur.Source,
		Prepared:  true,
	}
	m.current.Store(s)
	return s, nil
}

// Integration reports the outcome of Integrate.
type Integration struct {
	Added    int
	Skipped  string
	Snapshot *Snapshot
}

// Integrate merges part of an accepted, registered cloud into the map
// according to mode. It publishes a new version unless integration is
// disabled, rate limited, or has nothing to add.
func (m *Manager) Integrate(mode string, registered *cloud.PointCloud, report l4outliers.Report, now time.Time) (Integration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.current.Load()
	var add *cloud.PointCloud
	switch mode {
	case config.UpdateModeNoIntegration:
		return Integration{Skipped: "integration disabled", Snapshot: cur}, nil
	case config.UpdateModeFullIntegration:
		add = registered
	case config.UpdateModeInliersIntegration:
		add = report.Inliers
	case config.UpdateModeOutliersIntegration:
		add = report.Outliers
	default:
		return Integration{Snapshot: cur}, fmt.Errorf("%w: %q", ErrUnknownUpdateMode, mode)
	}
	if cur == nil {
		return Integration{}, ErrNoReference
	}
	if m.params.MinInterval > 0 && !m.lastIntegration.IsZero() && now.Sub(m.lastIntegration) < m.params.MinInterval {
		return Integration{Skipped: "minimum interval between updates not reached", Snapshot: cur}, nil
	}
	if m.params.IntegrationFilter != nil && add.Len() > 0 {
		var err error
		if add, err = m.params.IntegrationFilter(add); err != nil {
			return Integration{Snapshot: cur}, fmt.Errorf("integration filter: %w", err)
		}
	}
	if add.Len() == 0 {
		return Integration{Skipped: "no points to integrate", Snapshot: cur}, nil
	}

	next := cloud.Merge(cur.Cloud, add)
	next.Frame = cur.Cloud.Frame
	next.Timestamp = now

	var idx *cloud.SpatialIndex
	if m.params.Incremental {
		idx = cur.Index.Extend(next)
	} else {
		idx = next.Index()
	}

	keypoints := next
	if cur.Keypoints != nil && cur.Keypoints != cur.Cloud {
		keypoints = cur.Keypoints
	}

	m.version++
	m.lastIntegration = now
	s := &Snapshot{
		Cloud:     next,
		Index:     idx,
		Keypoints: keypoints,
		Version:   m.version,
		LoadedAt:  now,
		Source:    cur.Source,
		Prepared:  cur.Prepared,
	}
	m.current.Store(s)
	logger.Tracef("integrated %d points (%s), map now %d points v%d", add.Len(), mode, next.Len(), s.Version)
	return Integration{Added: add.Len(), Snapshot: s}, nil
}
