package observability

import (
	"cmp"
	"math"
	"slices"
	"sync"
	"time"
)

// Stage names recorded into the latency window.
const (
	StageProbe         = "activity_probe"
	StageSubmitToReply = "submit_to_reply"
	StageReplyToDone   = "reply_to_speech_done"
	StageInterruptGap  = "interrupt_to_listening"
)

type StageStats struct {
	Stage   string  `json:"stage"`
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
}

// latencyWindow keeps the newest size samples of each stage, oldest first.
type latencyWindow struct {
	mu      sync.Mutex
	size    int
	samples map[string][]float64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	return &latencyWindow{size: size, samples: make(map[string][]float64)}
}

func (w *latencyWindow) Observe(stage string, ms float64) {
	if w == nil || stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	s := append(w.samples[stage], ms)
	if len(s) > w.size {
		s = s[len(s)-w.size:]
	}
	w.samples[stage] = s
}

func (w *latencyWindow) Snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.samples)),
	}
	for stage, s := range w.samples {
		if len(s) == 0 {
			continue
		}
		sorted := slices.Clone(s)
		slices.Sort(sorted)
		var sum float64
		for _, v := range sorted {
			sum += v
		}
		snap.Stages = append(snap.Stages, StageStats{
			Stage:   stage,
			Samples: len(s),
			LastMS:  roundMS(s[len(s)-1]),
			AvgMS:   roundMS(sum / float64(len(s))),
			P50MS:   roundMS(nearestRank(sorted, 50)),
			P95MS:   roundMS(nearestRank(sorted, 95)),
		})
	}
	slices.SortFunc(snap.Stages, func(a, b StageStats) int {
		return cmp.Compare(a.Stage, b.Stage)
	})
	return snap
}

// nearestRank returns the pct percentile of a non-empty sorted slice.
func nearestRank(sorted []float64, pct int) float64 {
	rank := (pct*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func roundMS(v float64) float64 {
	return math.Round(v*100) / 100
}
