package activity

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ent0n29/goose-companion/internal/logging"
	"github.com/ent0n29/goose-companion/internal/observability"
	"github.com/ent0n29/goose-companion/internal/session"
)

// Config tunes classification. Zero fields fall back to DefaultConfig.
type Config struct {
	Thresholds   Thresholds
	CacheTTL     time.Duration
	ProbeTimeout time.Duration
	Workers      int
	Now          func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Thresholds:   DefaultThresholds(),
		CacheTTL:     30 * time.Second,
		ProbeTimeout: 1500 * time.Millisecond,
		Workers:      4,
	}
}

// Classifier maps sessions to activity statuses, preferring the cache, then
// the update timestamp, and only then a short live probe of the session
// stream.
type Classifier struct {
	source  session.EventSource
	cfg     Config
	cache   *statusCache
	probes  singleflight.Group
	metrics *observability.Metrics
	log     logging.Logger
}

// NewClassifier builds a classifier. A nil source disables live probing;
// metrics may be nil.
func NewClassifier(source session.EventSource, cfg Config, metrics *observability.Metrics) *Classifier {
	def := DefaultConfig()
	if cfg.Thresholds.Active <= 0 {
		cfg.Thresholds.Active = def.Thresholds.Active
	}
	if cfg.Thresholds.Idle <= 0 {
		cfg.Thresholds.Idle = def.Thresholds.Idle
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Classifier{
		source:  source,
		cfg:     cfg,
		cache:   newStatusCache(cfg.CacheTTL, cfg.Now),
		metrics: metrics,
		log:     logging.Named("activity"),
	}
}

// Classify returns the activity status of s. It never fails: IO problems
// degrade to the timestamp heuristic.
func (c *Classifier) Classify(ctx context.Context, s session.Session, allowLiveProbe bool) Status {
	if status, ok := c.cache.get(s.ID); ok {
		c.metrics.ObserveClassification(string(status), "cache")
		return status
	}

	fromTimestamp := StatusFromTimestamp(s.UpdatedAt, c.cfg.Now(), c.cfg.Thresholds)
	if fromTimestamp == StatusActive ||
		(fromTimestamp == StatusFinished && !allowLiveProbe) ||
		c.source == nil {
		return c.store(s.ID, fromTimestamp, "timestamp")
	}

	outcome := c.probeShared(ctx, s.ID)
	if status, ok := outcome.decisive(); ok {
		return c.store(s.ID, status, "probe")
	}
	return c.store(s.ID, fromTimestamp, "fallback")
}

// Invalidate drops any cached status for sessionID.
func (c *Classifier) Invalidate(sessionID string) {
	c.cache.remove(sessionID)
}

// ClassifyAll classifies sessions concurrently with at most Workers in flight.
// Results are in input order.
func (c *Classifier) ClassifyAll(ctx context.Context, sessions []session.Session, allowLiveProbe bool) []Status {
	out := make([]Status, len(sessions))
	var g errgroup.Group
	g.SetLimit(c.cfg.Workers)
	for i, s := range sessions {
		g.Go(func() error {
			out[i] = c.Classify(ctx, s, allowLiveProbe)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Estimate returns the cached status of s, or the timestamp heuristic when
// nothing is cached. It does no IO and caches nothing, so a later Classify
// may still open a stream.
func (c *Classifier) Estimate(s session.Session) Status {
	if status, ok := c.cache.get(s.ID); ok {
		c.metrics.ObserveClassification(string(status), "cache")
		return status
	}
	status := StatusFromTimestamp(s.UpdatedAt, c.cfg.Now(), c.cfg.Thresholds)
	c.metrics.ObserveClassification(string(status), "estimate")
	return status
}

// EstimateAll is Estimate over sessions, in input order.
func (c *Classifier) EstimateAll(sessions []session.Session) []Status {
	out := make([]Status, len(sessions))
	for i, s := range sessions {
		out[i] = c.Estimate(s)
	}
	return out
}

func (c *Classifier) store(sessionID string, status Status, source string) Status {
	c.cache.put(sessionID, status)
	c.metrics.ObserveClassification(string(status), source)
	return status
}

// probeShared runs at most one probe per session at a time. The probe is
// detached from the caller's cancellation so a departing caller does not
// abort it for the others sharing it; ProbeTimeout still bounds it.
func (c *Classifier) probeShared(ctx context.Context, sessionID string) probeOutcome {
	v, _, _ := c.probes.Do(sessionID, func() (any, error) {
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ProbeTimeout)
		defer cancel()

		started := time.Now()
		outcome := probe(probeCtx, c.source, sessionID)
		elapsed := time.Since(started)
		c.metrics.ObserveProbe(string(outcome), elapsed)
		c.log.Debugw("session probe finished", "session_id", sessionID, "outcome", outcome, "elapsed_ms", elapsed.Milliseconds())
		return outcome, nil
	})
	return v.(probeOutcome)
}
