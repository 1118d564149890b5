package estimator

import (
	"math"
	"sync"
)

// SmoothingPolicy selects the outlier rejection strategy applied once
// a peer's buffer holds at least 3 samples.
type SmoothingPolicy string

const (
	// PolicyTrim drops the single minimum and maximum sample, then
	// averages the remainder. Canonical default: it rejects a lone
	// extreme outlier at any window size.
	PolicyTrim SmoothingPolicy = "trim"

	// PolicyStdDev keeps only samples within two standard deviations
	// of the mean, then averages. A lone outlier among five or fewer
	// samples falls within two standard deviations by construction,
	// so this policy only rejects outliers at larger window sizes.
	PolicyStdDev SmoothingPolicy = "stddev"
)

// Valid reports whether the policy is a known value.
func (p SmoothingPolicy) Valid() bool {
	return p == PolicyTrim || p == PolicyStdDev
}

// sampleBuffer is a fixed-size circular buffer of raw samples.
type sampleBuffer struct {
	data  []float64
	head  int
	count int
}

func newSampleBuffer(capacity int) *sampleBuffer {
	return &sampleBuffer{data: make([]float64, capacity)}
}

func (sb *sampleBuffer) push(v float64) {
	sb.data[sb.head] = v
	sb.head = (sb.head + 1) % len(sb.data)
	if sb.count < len(sb.data) {
		sb.count++
	}
}

func (sb *sampleBuffer) values() []float64 {
	out := make([]float64, 0, sb.count)
	for i := 0; i < sb.count; i++ {
		idx := (sb.head - sb.count + i + len(sb.data)) % len(sb.data)
		out = append(out, sb.data[idx])
	}
	return out
}

// smoother holds per-peer sample buffers. Buffers are created lazily
// on the first sample and discarded when the peer is removed.
type smoother struct {
	mu     sync.Mutex
	window int
	policy SmoothingPolicy
	peers  map[string]*sampleBuffer
}

func newSmoother(window int, policy SmoothingPolicy) *smoother {
	return &smoother{
		window: window,
		policy: policy,
		peers:  make(map[string]*sampleBuffer),
	}
}

// add appends a sample and returns the smoothed value. With fewer
// than 3 samples the plain mean is returned; beyond that the
// configured rejection policy applies.
func (s *smoother) add(peerID string, value float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	sb, ok := s.peers[peerID]
	if !ok {
		sb = newSampleBuffer(s.window)
		s.peers[peerID] = sb
	}
	sb.push(value)

	samples := sb.values()
	if len(samples) < 3 {
		return meanOf(samples)
	}

	switch s.policy {
	case PolicyStdDev:
		return stddevSmoothed(samples)
	default:
		return trimSmoothed(samples)
	}
}

func (s *smoother) remove(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peerID)
}

// trimSmoothed drops one minimum and one maximum sample and averages
// the rest. Callers guarantee len(samples) >= 3.
func trimSmoothed(samples []float64) float64 {
	minIdx, maxIdx := 0, 0
	for i, v := range samples {
		if v < samples[minIdx] {
			minIdx = i
		}
		if v > samples[maxIdx] {
			maxIdx = i
		}
	}
	if minIdx == maxIdx {
		// All samples equal.
		return samples[0]
	}

	var sum float64
	var kept int
	for i, v := range samples {
		if i == minIdx || i == maxIdx {
			continue
		}
		sum += v
		kept++
	}
	return sum / float64(kept)
}

// stddevSmoothed averages the samples within two standard deviations
// of the mean.
func stddevSmoothed(samples []float64) float64 {
	mean := meanOf(samples)
	stddev := stddevOf(samples, mean)
	if stddev == 0 {
		return mean
	}

	var sum float64
	var kept int
	for _, v := range samples {
		if math.Abs(v-mean) <= 2*stddev {
			sum += v
			kept++
		}
	}
	if kept == 0 {
		return mean
	}
	return sum / float64(kept)
}

func meanOf(samples []float64) float64 {
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}

func stddevOf(samples []float64, mean float64) float64 {
	var sum float64
	for _, v := range samples {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(samples)))
}
