package l6tracking

import (
	"time"

	"github.com/banshee-data/dynamic-localization/internal/config"
	"github.com/banshee-data/dynamic-localization/internal/localization"
	"github.com/banshee-data/dynamic-localization/internal/localization/geometry"
)

// Transition reasons.
const (
	ReasonAccepted       = "pose accepted"
	ReasonTrackingFailed = "tracking failure threshold reached"
	ReasonRecoveryFailed = "recovery failure threshold reached"
	ReasonLostTimeout    = "no pose accepted within lost timeout"
	ReasonInitialPose    = "initial pose set"
	ReasonReset          = "reset"
)

// Params configures the machine.
type Params struct {
	Tracking    config.Window
	Recovery    config.Window
	LostTimeout time.Duration
	// ResetInitialPoseWhenLost stops the last accepted pose from seeding the
	// guess after tracking is lost.
	ResetInitialPoseWhenLost bool
	HistorySize              int
}

// ParamsFromConfig resolves Params from cfg.
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		Tracking:                 cfg.GetTrackingWindow(),
		Recovery:                 cfg.GetRecoveryWindow(),
		LostTimeout:              cfg.GetLostTimeout(),
		ResetInitialPoseWhenLost: cfg.GetResetInitialPoseWhenTrackingLost(),
		HistorySize:              cfg.GetCorrectionsHistory(),
	}
}

// Counters are the consecutive failure counts of the two tracked modes.
type Counters struct {
	Tracking int `json:"tracking"`
	Recovery int `json:"recovery"`
}

// Machine holds the tracking state carried between cycles. It is not safe
// for concurrent use; the orchestrator serialises access.
type Machine struct {
	params Params
	mode   localization.TrackingMode
	counts Counters

	last       *geometry.PoseWithCovariance
	lastTime   time.Time
	lastUsable bool
	initial    *geometry.Pose

	history []geometry.Pose
	next    int
	full    bool
}

// New returns a machine in InitialPoseEstimation.
func New(p Params) *Machine {
	m := &Machine{mode: localization.ModeInitialPoseEstimation}
	m.SetParams(p)
	return m
}

// SetParams replaces the thresholds. The history is resized, keeping the
// newest entries.
func (m *Machine) SetParams(p Params) {
	if p.HistorySize < 0 {
		p.HistorySize = 0
	}
	old := m.Corrections()
	m.params = p
	m.history = make([]geometry.Pose, p.HistorySize)
	m.next, m.full = 0, false
	if len(old) > p.HistorySize {
		old = old[len(old)-p.HistorySize:]
	}
	for _, c := range old {
		m.push(c)
	}
}

// Params returns the active thresholds.
func (m *Machine) Params() Params { return m.params }

// Mode returns the active mode.
func (m *Machine) Mode() localization.TrackingMode { return m.mode }

// Counters returns the failure counters.
func (m *Machine) Counters() Counters { return m.counts }

// LastAccepted returns the last accepted pose and when it was accepted.
func (m *Machine) LastAccepted() (geometry.PoseWithCovariance, time.Time, bool) {
	if m.last == nil {
		return geometry.PoseWithCovariance{}, time.Time{}, false
	}
	return *m.last, m.lastTime, true
}

// InitialPose returns the pending external initial pose, if any.
func (m *Machine) InitialPose() (geometry.Pose, bool) {
	if m.initial == nil {
		return geometry.Pose{}, false
	}
	return *m.initial, true
}

// Guess returns the pose the next registration starts from: a pending
// initial pose, else the last accepted pose, else identity.
func (m *Machine) Guess() geometry.Pose {
	if m.initial != nil {
		return *m.initial
	}
	if m.last != nil && m.lastUsable {
		return m.last.Pose
	}
	return geometry.Identity()
}

// Accept records an accepted pose and the correction that produced it,
// resets both failure counters and enters Tracking.
func (m *Machine) Accept(p geometry.PoseWithCovariance, correction geometry.Pose, now time.Time) *localization.Transition {
	m.last = &p
	m.lastTime = now
	m.lastUsable = true
	m.initial = nil
	m.counts = Counters{}
	m.push(correction)
	return m.enter(localization.ModeTracking, ReasonAccepted)
}

// Fail records a pipeline failure in the active mode and applies the
// failure thresholds. Failures in InitialPoseEstimation are not counted.
func (m *Machine) Fail(now time.Time) *localization.Transition {
	switch m.mode {
	case localization.ModeTracking:
		m.counts.Tracking++
		if m.exceeded(m.counts.Tracking, m.params.Tracking, now) {
			m.counts.Recovery = 0
			return m.enter(localization.ModeTrackingRecovery, ReasonTrackingFailed)
		}
	case localization.ModeTrackingRecovery:
		m.counts.Recovery++
		if m.exceeded(m.counts.Recovery, m.params.Recovery, now) {
			return m.lose(ReasonRecoveryFailed)
		}
	}
	return nil
}

// CheckTimeout forces InitialPoseEstimation when no pose has been accepted
// for the lost timeout. It runs at the start of every cycle.
func (m *Machine) CheckTimeout(now time.Time) *localization.Transition {
	if m.mode == localization.ModeInitialPoseEstimation || m.params.LostTimeout <= 0 || m.lastTime.IsZero() {
		return nil
	}
	if now.Sub(m.lastTime) >= m.params.LostTimeout {
		return m.lose(ReasonLostTimeout)
	}
	return nil
}

// SetInitialPose seeds the next registration with p and restarts global
// localization.
func (m *Machine) SetInitialPose(p geometry.Pose) *localization.Transition {
	m.initial = &p
	m.counts = Counters{}
	return m.enter(localization.ModeInitialPoseEstimation, ReasonInitialPose)
}

// Reset restarts global localization and clears the failure counters. The
// last accepted pose is kept for reporting but no longer seeds the guess.
func (m *Machine) Reset() *localization.Transition {
	m.counts = Counters{}
	m.lastUsable = false
	return m.enter(localization.ModeInitialPoseEstimation, ReasonReset)
}

// Corrections returns the accepted corrections, oldest first.
func (m *Machine) Corrections() []geometry.Pose {
	if !m.full {
		out := make([]geometry.Pose, m.next)
		copy(out, m.history[:m.next])
		return out
	}
	out := make([]geometry.Pose, 0, len(m.history))
	out = append(out, m.history[m.next:]...)
	return append(out, m.history[:m.next]...)
}

// HistoryLen is the number of recorded corrections.
func (m *Machine) HistoryLen() int {
	if m.full {
		return len(m.history)
	}
	return m.next
}

func (m *Machine) push(c geometry.Pose) {
	if len(m.history) == 0 {
		return
	}
	m.history[m.next] = c
	m.next++
	if m.next == len(m.history) {
		m.next = 0
		m.full = true
	}
}

// exceeded applies a failure window: the count reaches the maximum, or it
// reaches the minimum and the window's timeout has elapsed since the last
// accepted pose.
func (m *Machine) exceeded(count int, w config.Window, now time.Time) bool {
	if count >= w.MaxFailures {
		return true
	}
	if w.Timeout > 0 && count >= w.MinFailures && !m.lastTime.IsZero() {
		return now.Sub(m.lastTime) >= w.Timeout
	}
	return false
}

func (m *Machine) lose(reason string) *localization.Transition {
	m.counts = Counters{}
	if m.params.ResetInitialPoseWhenLost {
		m.lastUsable = false
	}
	return m.enter(localization.ModeInitialPoseEstimation, reason)
}

func (m *Machine) enter(mode localization.TrackingMode, reason string) *localization.Transition {
	if m.mode == mode {
		return nil
	}
	t := &localization.Transition{From: m.mode, To: mode, Reason: reason}
	m.mode = mode
	return t
}
