package l1admission

import (
	"time"

	"github.com/banshee-data/dynamic-localization/internal/config"
	"github.com/banshee-data/dynamic-localization/internal/localization"
)

// Params are the admission thresholds. Zero durations and counts disable
// the corresponding check, except MinPoints.
type Params struct {
	MaxAge              time.Duration
	MinInterval         time.Duration
	MinPoints           int
	ProcessingLimit     int
	MaxOffsetToLastPose time.Duration
	ProcessWhenDisabled bool
}

// ParamsFromConfig resolves Params from cfg.
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		MaxAge:              cfg.GetMaxAge(),
		MinInterval:         cfg.GetMinInterval(),
		MinPoints:           cfg.GetAdmissionMinPoints(),
		ProcessingLimit:     cfg.GetProcessingLimit(),
		MaxOffsetToLastPose: cfg.GetMaxOffsetToLastPose(),
		ProcessWhenDisabled: cfg.GetProcessWhenDisabled(),
	}
}

// Input describes the incoming cloud.
type Input struct {
	Timestamp time.Time
	Points    int
	Source    string
}

// State is the orchestrator state the gate reads. Zero times mean "never".
type State struct {
	SubscribersEnabled bool
	LastCloudTime      time.Time // timestamp of the last admitted cloud
	LastRegistration   time.Time // wall time the last admitted cloud was processed
	ProcessedCount     int
	LastPoseTime       time.Time // timestamp of the last accepted pose
	// Tracking is set while the tracking machine is in Tracking. The offset
	// to the last pose only applies then.
	Tracking bool
}

// Decision is the gate's verdict. Status is empty when Accepted.
type Decision struct {
	Accepted bool
	Status   localization.Status
}

func reject(s localization.Status) Decision { return Decision{Status: s} }

// Gate applies the admission checks in a fixed order and stops at the first
// failure: subscribers, age, ordering, size, rate, limit, offset to the
// last pose.
type Gate struct {
	params Params
}

// NewGate returns a Gate using p.
func NewGate(p Params) *Gate {
	return &Gate{params: p}
}

// Params returns the gate's thresholds.
func (g *Gate) Params() Params { return g.params }

// Check decides whether in is processed. now is the cycle's clock snapshot.
func (g *Gate) Check(in Input, st State, now time.Time) Decision {
	p := g.params

	if !st.SubscribersEnabled && !p.ProcessWhenDisabled {
		return reject(localization.StatusPointCloudSubscribersDisabled)
	}

	if p.MaxAge > 0 && now.Sub(in.Timestamp) > p.MaxAge {
		return reject(localization.StatusPointCloudAgeHigherThanMaximum)
	}

	if !st.LastCloudTime.IsZero() && in.Timestamp.Before(st.LastCloudTime) {
		return reject(localization.StatusPointCloudOlderThanLastPointCloudReceived)
	}

	if in.Points < p.MinPoints {
		return reject(localization.StatusPointCloudWithoutTheMinimumNumberOfRequiredPoints)
	}

	if p.MinInterval > 0 && !st.LastRegistration.IsZero() && now.Sub(st.LastRegistration) < p.MinInterval {
		return reject(localization.StatusMinimumElapsedTimeSinceLastPointCloudNotReached)
	}

	if p.ProcessingLimit > 0 && st.ProcessedCount >= p.ProcessingLimit {
		return reject(localization.StatusReachedLimitOfNumberOfPointCloudsToProcess)
	}

	if p.MaxOffsetToLastPose > 0 && st.Tracking && !st.LastPoseTime.IsZero() {
		offset := in.Timestamp.Sub(st.LastPoseTime)
		if offset < 0 {
			offset = -offset
		}
		if offset > p.MaxOffsetToLastPose {
			return reject(localization.StatusPointCloudDiscarded)
		}
	}

	return Decision{Accepted: true}
}
