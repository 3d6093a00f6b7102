package voice

import (
	"math"
	"sync"
)

const volumeHistorySize = 10

// VolumeHistory keeps the most recent RMS magnitudes for the level meter.
type VolumeHistory struct {
	mu     sync.Mutex
	values [volumeHistorySize]float64
	next   int
	filled bool
}

func (h *VolumeHistory) Add(level float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.values[h.next] = level
	h.next++
	if h.next >= len(h.values) {
		h.next = 0
		h.filled = true
	}
}

// Level is the mean of the retained samples, 0 when empty.
func (h *VolumeHistory) Level() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.next
	if h.filled {
		n = len(h.values)
	}
	if n == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range h.values[:n] {
		sum += v
	}
	return sum / float64(n)
}

func (h *VolumeHistory) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.values = [volumeHistorySize]float64{}
	h.next = 0
	h.filled = false
}

// rms returns the root mean square of pcm normalized to [0,1].
func rms(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(pcm)))
}
