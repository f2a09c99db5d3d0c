package localization

// TrackingMode is the active mode of the tracking state machine.
type TrackingMode string

const (
	// ModeInitialPoseEstimation performs global localization with the
	// feature and point matcher sets.
	ModeInitialPoseEstimation TrackingMode = "InitialPoseEstimation"
	// ModeTracking refines the last accepted pose with fast local matchers.
	ModeTracking TrackingMode = "Tracking"
	// ModeTrackingRecovery uses the tolerant matcher set after repeated
	// tracking failures.
	ModeTrackingRecovery TrackingMode = "TrackingRecovery"
)

// Modes lists the tracking modes in state-machine order.
func Modes() []TrackingMode {
	return []TrackingMode{ModeInitialPoseEstimation, ModeTracking, ModeTrackingRecovery}
}

func (m TrackingMode) String() string { return string(m) }

// Transition records a mode change.
type Transition struct {
	From   TrackingMode `json:"from"`
	To     TrackingMode `json:"to"`
	Reason string       `json:"reason"`
}
