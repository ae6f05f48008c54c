package orbit

import (
	"fmt"
	"math"
)

// Defaults for session and stepper options.
const (
	DefaultStagingSlots           = 3
	MaxStagingSlots               = 16
	DefaultMaxConsecutiveFailures = 3
)

// SessionOption configures a Session during creation.
//
// Example:
//
//	s, err := orbit.NewSession(elements, acquire,
//	    orbit.WithStagingSlots(4),
//	    orbit.WithSpeedMultiplier(60))
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	stagingSlots    int
	speedMultiplier float64
	label           string
}

func defaultSessionOptions() sessionOptions {
	return sessionOptions{
		stagingSlots:    DefaultStagingSlots,
		speedMultiplier: 1,
		label:           "orbit",
	}
}

func (o *sessionOptions) validate() error {
	if o.stagingSlots < 1 || o.stagingSlots > MaxStagingSlots {
		return fmt.Errorf("orbit: staging slots %d out of range [1, %d]", o.stagingSlots, MaxStagingSlots)
	}
	if math.IsNaN(o.speedMultiplier) || math.IsInf(o.speedMultiplier, 0) {
		return fmt.Errorf("orbit: speed multiplier %v: %w", o.speedMultiplier, ErrNonFinite)
	}
	return nil
}

// WithStagingSlots sets the number of staging slots K, bounding the number
// of readbacks in flight. The default is 3.
func WithStagingSlots(k int) SessionOption {
	return func(o *sessionOptions) {
		o.stagingSlots = k
	}
}

// WithSpeedMultiplier scales every angular speed at encoding time.
func WithSpeedMultiplier(m float64) SessionOption {
	return func(o *sessionOptions) {
		o.speedMultiplier = m
	}
}

// WithLabel sets the prefix of device resource labels.
func WithLabel(label string) SessionOption {
	return func(o *sessionOptions) {
		o.label = label
	}
}

// FeedbackPolicy decides how completed frames reach the render buffer and
// the resident state.
type FeedbackPolicy int

const (
	// FeedbackMonotonic applies a result only if it is newer than the last
	// applied one, and re-uploads it only when no later frame has been
	// dispatched since.
	FeedbackMonotonic FeedbackPolicy = iota

	// FeedbackArrival applies and re-uploads every result in the order
	// completions are observed.
	FeedbackArrival
)

func (p FeedbackPolicy) String() string {
	switch p {
	case FeedbackMonotonic:
		return "monotonic"
	case FeedbackArrival:
		return "arrival"
	default:
		return fmt.Sprintf("FeedbackPolicy(%d)", int(p))
	}
}

// ParseFeedbackPolicy parses "monotonic" or "arrival".
func ParseFeedbackPolicy(s string) (FeedbackPolicy, error) {
	switch s {
	case "", "monotonic":
		return FeedbackMonotonic, nil
	case "arrival":
		return FeedbackArrival, nil
	}
	return 0, fmt.Errorf("orbit: unknown feedback policy %q", s)
}

// StepperOption configures a Stepper during creation.
type StepperOption func(*stepperOptions)

type stepperOptions struct {
	scale       float64
	policy      FeedbackPolicy
	maxFailures int
}

func defaultStepperOptions() stepperOptions {
	return stepperOptions{
		scale:       1,
		policy:      FeedbackMonotonic,
		maxFailures: DefaultMaxConsecutiveFailures,
	}
}

// WithScale sets the factor applied to positions written to the render buffer.
func WithScale(s float64) StepperOption {
	return func(o *stepperOptions) {
		o.scale = s
	}
}

// WithFeedbackPolicy selects how completions are applied.
func WithFeedbackPolicy(p FeedbackPolicy) StepperOption {
	return func(o *stepperOptions) {
		o.policy = p
	}
}

// WithMaxConsecutiveFailures sets how many frames in a row may fail before
// the session is marked unavailable. Zero disables the limit.
func WithMaxConsecutiveFailures(n int) StepperOption {
	return func(o *stepperOptions) {
		o.maxFailures = n
	}
}

func validScale(s float64) bool {
	return !math.IsNaN(s) && !math.IsInf(s, 0) && s > 0
}
