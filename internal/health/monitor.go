// Package health runs the periodic watchdog that classifies every assigned
// agent and hands each classification to the recovery manager.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/foreman/internal/bridge"
	"github.com/fentz26/foreman/internal/executor"
	"github.com/fentz26/foreman/internal/metrics"
	"github.com/fentz26/foreman/internal/models"
	"github.com/fentz26/foreman/internal/progress"
)

// Config holds monitor timings.
type Config struct {
	Interval         time.Duration // time between ticks
	FreshnessWindow  time.Duration // no progress for longer than this is STAGNANT
	HeartbeatTimeout time.Duration // no heartbeat for longer than this is ERROR
	PollTimeout      time.Duration // bound on each session status query
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.FreshnessWindow <= 0 {
		c.FreshnessWindow = 2 * time.Minute
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 3 * time.Minute
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	return c
}

// Observer receives every classification. The recovery manager implements it.
type Observer interface {
	Observe(ctx context.Context, agent string, h models.Health, reason string)
}

// AnomalyFunc is called when an agent's classification changes to a
// non-healthy value. previous is empty for an agent seen for the first time.
type AnomalyFunc func(rec models.HealthRecord, previous models.Health)

// Stats summarizes the monitor.
type Stats struct {
	Ticks     int64                 `json:"ticks"`
	Anomalies int64                 `json:"anomalies"`
	Tracked   int                   `json:"tracked"`
	ByClass   map[models.Health]int `json:"by_class"`
	LastTick  time.Time             `json:"last_tick"`
	Interval  time.Duration         `json:"interval"`
}

// Monitor classifies agents on a fixed interval.
type Monitor struct {
	cfg      Config
	bridge   *bridge.Bridge
	tracker  *progress.Tracker
	exec     executor.Executor
	observer Observer
	metrics  metrics.Sink
	logger   *slog.Logger

	mu        sync.RWMutex
	records   map[string]*models.HealthRecord
	callbacks []AnomalyFunc
	ticks     int64
	anomalies int64
	lastTick  time.Time

	// serializes ticks from the loop and TickNow
	tickMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	nowFunc func() time.Time
}

// New creates a monitor. observer may be nil.
func New(cfg Config, br *bridge.Bridge, tr *progress.Tracker, ex executor.Executor, observer Observer, sink metrics.Sink, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:      cfg.withDefaults(),
		bridge:   br,
		tracker:  tr,
		exec:     ex,
		observer: observer,
		metrics:  metrics.OrNop(sink),
		logger:   logger.With("component", "health"),
		records:  make(map[string]*models.HealthRecord),
		ctx:      ctx,
		cancel:   cancel,
		nowFunc:  time.Now,
	}
}

// OnAnomaly registers a callback. Register before Start.
func (m *Monitor) OnAnomaly(fn AnomalyFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Start begins the monitor loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
	m.logger.Info("health monitor started", "interval", m.cfg.Interval)
}

// Stop gracefully stops the monitor.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
	m.logger.Info("health monitor stopped")
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.TickNow(m.ctx)
		}
	}
}

type subject struct {
	agent string
	entry *bridge.Entry
}

// TickNow runs one watchdog pass: a bridge tick, then a classification of
// every agent with a bridge entry or an active task record.
func (m *Monitor) TickNow(ctx context.Context) []models.HealthRecord {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	m.bridge.Tick(ctx)

	// Records are read before entries: assignment creates the entry before
	// the record, and teardown removes the record before the entry.
	active := m.tracker.Active()
	entries := m.bridge.Entries()

	subjects := make(map[string]subject, len(entries)+len(active))
	for i := range entries {
		e := entries[i]
		subjects[e.Agent] = subject{agent: e.Agent, entry: &e}
	}
	for _, rec := range active {
		if _, ok := subjects[rec.Owner]; !ok {
			subjects[rec.Owner] = subject{agent: rec.Owner}
		}
	}

	now := m.now()
	seen := make(map[string]bool, len(subjects))
	for _, s := range subjects {
		seen[s.agent] = true
		if s.entry != nil && s.entry.State == bridge.StateCompleted {
			continue // being torn down
		}

		h, reason, err := m.classify(ctx, s, now)
		if err != nil {
			m.logger.Warn("health check failed, keeping previous classification", "agent", s.agent, "error", err)
			continue
		}
		if h == "" {
			continue
		}
		m.apply(ctx, s.agent, h, reason, now)
	}

	m.mu.Lock()
	for agent := range m.records {
		if !seen[agent] {
			delete(m.records, agent)
		}
	}
	m.ticks++
	m.lastTick = now
	m.mu.Unlock()

	m.publishGauges()
	return m.Records()
}

// classify returns the agent's classification. An empty classification with
// a nil error means the agent is no longer tracked. A non-nil error means the
// session could not be queried.
func (m *Monitor) classify(ctx context.Context, s subject, now time.Time) (models.Health, string, error) {
	if s.entry == nil {
		// Recheck: the task may have been archived since the snapshot.
		if m.tracker.Snapshot(s.agent) == nil || m.bridge.HasEntry(s.agent) {
			return "", "", nil
		}
		return models.HealthError, "active task has no session", nil
	}

	e := s.entry
	if e.State == bridge.StateAssigned || e.SessionID == "" {
		return models.HealthHealthy, "starting", nil
	}

	pollCtx, cancel := context.WithTimeout(ctx, m.cfg.PollTimeout)
	st, err := m.exec.Status(pollCtx, e.SessionID)
	cancel()
	switch {
	case errors.Is(err, executor.ErrUnknownSession):
		return models.HealthError, "session disappeared", nil
	case err != nil:
		return "", "", err
	}

	if st.Fault != "" {
		return models.HealthError, "session fault: " + st.Fault, nil
	}
	if !st.Running && !st.Done {
		return models.HealthError, "session exited without completing", nil
	}

	// A stuck verdict from the bridge outranks a stale heartbeat; faults
	// above still win.
	if e.State == bridge.StateStuck {
		return models.HealthStuck, "bridge reports stuck", nil
	}

	heartbeat := st.LastHeartbeat
	if e.LastProgressAt.After(heartbeat) {
		heartbeat = e.LastProgressAt
	}
	if st.Running && now.Sub(heartbeat) > m.cfg.HeartbeatTimeout {
		return models.HealthError, fmt.Sprintf("no heartbeat for %s", now.Sub(heartbeat).Round(time.Second)), nil
	}
	if idle := now.Sub(e.LastProgressAt); idle > m.cfg.FreshnessWindow {
		return models.HealthStagnant, fmt.Sprintf("no progress for %s", idle.Round(time.Second)), nil
	}
	return models.HealthHealthy, "", nil
}

func (m *Monitor) apply(ctx context.Context, agent string, h models.Health, reason string, now time.Time) {
	m.mu.Lock()
	rec, ok := m.records[agent]
	var previous models.Health
	if ok {
		previous = rec.Classification
	} else {
		rec = &models.HealthRecord{Agent: agent, LastTransitionAt: now}
		m.records[agent] = rec
	}
	changed := !ok || previous != h
	if changed {
		rec.LastTransitionAt = now
	}
	rec.Classification = h
	rec.Reason = reason
	rec.CheckedAt = now

	fire := changed && h != models.HealthHealthy
	var callbacks []AnomalyFunc
	snapshot := *rec
	if fire {
		m.anomalies++
		callbacks = append(callbacks, m.callbacks...)
	}
	m.mu.Unlock()

	if changed {
		m.logger.Info("health changed", "agent", agent, "from", previous, "to", h, "reason", reason)
	}
	if fire {
		m.metrics.IncCounter("health_anomalies_total", map[string]string{"classification": string(h)}, 1)
		for _, cb := range callbacks {
			cb(snapshot, previous)
		}
	}

	if m.observer != nil {
		m.observer.Observe(ctx, agent, h, reason)
	}
}

// Records returns the latest classification of every tracked agent.
func (m *Monitor) Records() []models.HealthRecord {
	m.mu.RLock()
	out := make([]models.HealthRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

// Record returns the latest classification of one agent.
func (m *Monitor) Record(agent string) (models.HealthRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[agent]
	if !ok {
		return models.HealthRecord{}, false
	}
	return *r, true
}

// Stats returns monitor counters and the classification histogram.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byClass := make(map[models.Health]int)
	for _, r := range m.records {
		byClass[r.Classification]++
	}
	return Stats{
		Ticks:     m.ticks,
		Anomalies: m.anomalies,
		Tracked:   len(m.records),
		ByClass:   byClass,
		LastTick:  m.lastTick,
		Interval:  m.cfg.Interval,
	}
}

func (m *Monitor) publishGauges() {
	st := m.Stats()
	for _, h := range []models.Health{models.HealthHealthy, models.HealthStuck, models.HealthStagnant, models.HealthError} {
		m.metrics.SetGauge("health_agents", map[string]string{"classification": string(h)}, float64(st.ByClass[h]))
	}
}

func (m *Monitor) now() time.Time {
	return m.nowFunc()
}
