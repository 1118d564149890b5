// Package estimator converts raw ranging measurements into a stable
// distance, a qualitative distance tier, and a listening volume.
package estimator

import (
	"errors"
	"fmt"
	"math"
)

// Level is a coarse qualitative bucket derived from a numeric distance.
type Level int

const (
	// LevelUnknown means no distance estimate is available for the peer.
	LevelUnknown Level = iota
	// LevelImmediate covers distances below 1 m.
	LevelImmediate
	// LevelNear covers [1, 3) m.
	LevelNear
	// LevelMedium covers [3, 6) m.
	LevelMedium
	// LevelFar covers [6, 10) m.
	LevelFar
	// LevelVeryFar covers everything at or beyond the very-far bound.
	LevelVeryFar
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelUnknown:
		return "unknown"
	case LevelImmediate:
		return "immediate"
	case LevelNear:
		return "near"
	case LevelMedium:
		return "medium"
	case LevelFar:
		return "far"
	case LevelVeryFar:
		return "veryFar"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// Ladder holds the lower bounds of the distance tiers in meters.
// A distance below Near is immediate; [Near, Medium) is near;
// [Medium, Far) is medium; [Far, VeryFar) is far; >= VeryFar is
// very far. Bounds are exclusive below, inclusive above.
type Ladder struct {
	Near    float64 `yaml:"near"`
	Medium  float64 `yaml:"medium"`
	Far     float64 `yaml:"far"`
	VeryFar float64 `yaml:"very_far"`
}

// DefaultLadder is the canonical tier ladder: <1 immediate, [1,3)
// near, [3,6) medium, [6,10) far, >=10 veryFar. A wider profile
// ([3,10) medium, [10,20) far) can be configured instead.
func DefaultLadder() Ladder {
	return Ladder{Near: 1, Medium: 3, Far: 6, VeryFar: 10}
}

// Config holds the tunable parameters of the estimator. All bounds
// are validated up front; invalid configuration is rejected at
// construction time rather than producing NaN or Inf at runtime.
type Config struct {
	// MeasuredPower is the reference RSSI at 1 m in dBm.
	MeasuredPower float64
	// PathLossExponent models the signal propagation environment,
	// typically 2.0 (free space) to 2.5 (indoors).
	PathLossExponent float64
	// ClampMax is the ceiling applied to converted distances in meters.
	ClampMax float64
	// SmoothingWindow is the per-peer sample buffer size.
	SmoothingWindow int
	// SmoothingPolicy selects the outlier rejection strategy.
	SmoothingPolicy SmoothingPolicy
	// MinDistance / MaxDistance bound the volume decay curve.
	MinDistance float64
	MaxDistance float64
	// MinVolume / MaxVolume bound the output volume in [0, 1].
	MinVolume float64
	MaxVolume float64
	// Ladder holds the distance tier boundaries.
	Ladder Ladder
}

// DefaultConfig returns the canonical estimator configuration.
func DefaultConfig() Config {
	return Config{
		MeasuredPower:    -50,
		PathLossExponent: 2.0,
		ClampMax:         50,
		SmoothingWindow:  5,
		SmoothingPolicy:  PolicyTrim,
		MinDistance:      1.0,
		MaxDistance:      10.0,
		MinVolume:        0.1,
		MaxVolume:        1.0,
		Ladder:           DefaultLadder(),
	}
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	if c.PathLossExponent <= 0 {
		return errors.New("path loss exponent must be positive")
	}
	if c.ClampMax <= 0 {
		return errors.New("distance clamp must be positive")
	}
	if c.SmoothingWindow < 1 {
		return errors.New("smoothing window must be at least 1")
	}
	if !c.SmoothingPolicy.Valid() {
		return fmt.Errorf("unknown smoothing policy %q", c.SmoothingPolicy)
	}
	if c.MinVolume <= 0 {
		return errors.New("min volume must be positive")
	}
	if c.MaxVolume < c.MinVolume {
		return fmt.Errorf("max volume %.2f below min volume %.2f", c.MaxVolume, c.MinVolume)
	}
	if c.MaxVolume > 1 {
		return fmt.Errorf("max volume %.2f above 1.0", c.MaxVolume)
	}
	if c.MaxDistance <= c.MinDistance {
		return fmt.Errorf("max distance %.2f not above min distance %.2f", c.MaxDistance, c.MinDistance)
	}
	l := c.Ladder
	if l.Near <= 0 || l.Medium <= l.Near || l.Far <= l.Medium || l.VeryFar <= l.Far {
		return errors.New("distance ladder bounds must be strictly ascending and positive")
	}
	return nil
}

// Estimator turns noisy per-peer measurements into smoothed distance,
// tier, and volume values.
type Estimator struct {
	cfg      Config
	smoother *smoother
}

// New creates an Estimator, rejecting invalid configuration.
func New(cfg Config) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("estimator config: %w", err)
	}
	return &Estimator{
		cfg:      cfg,
		smoother: newSmoother(cfg.SmoothingWindow, cfg.SmoothingPolicy),
	}, nil
}

// RSSIToDistance converts a raw signal strength in dBm to meters
// using the log-distance path loss model. Non-negative RSSI values
// are invalid input and yield the sentinel distance 0.
func (e *Estimator) RSSIToDistance(rssi int) float64 {
	if rssi >= 0 {
		return 0
	}
	d := math.Pow(10, (e.cfg.MeasuredPower-float64(rssi))/(10*e.cfg.PathLossExponent))
	if d < 0 {
		return 0
	}
	if d > e.cfg.ClampMax {
		return e.cfg.ClampMax
	}
	return d
}

// AddSample appends a raw value to the peer's bounded sample buffer
// and returns the smoothed value.
func (e *Estimator) AddSample(peerID string, value float64) float64 {
	return e.smoother.add(peerID, value)
}

// RemovePeer discards the peer's smoothing state.
func (e *Estimator) RemovePeer(peerID string) {
	e.smoother.remove(peerID)
}

// LevelForDistance maps a distance in meters to its tier.
func (e *Estimator) LevelForDistance(distance float64) Level {
	l := e.cfg.Ladder
	switch {
	case distance < l.Near:
		return LevelImmediate
	case distance < l.Medium:
		return LevelNear
	case distance < l.Far:
		return LevelMedium
	case distance < l.VeryFar:
		return LevelFar
	default:
		return LevelVeryFar
	}
}

// VolumeForDistance maps a distance to a listening volume using
// exponential decay, so equal distance increments do not produce
// uniform perceived loudness steps. The result is always within
// [MinVolume, MaxVolume] for any input, including negative or huge
// distances.
func (e *Estimator) VolumeForDistance(distance float64) float64 {
	c := e.cfg
	if distance <= c.MinDistance {
		return c.MaxVolume
	}
	if distance >= c.MaxDistance {
		return c.MinVolume
	}
	k := math.Log(c.MaxVolume/c.MinVolume) / (c.MaxDistance - c.MinDistance)
	return c.MaxVolume * math.Exp(-k*(distance-c.MinDistance))
}
