// Package progress keeps the per-agent task ledger: one active record per
// agent with per-file completion, plus an append-only archive.
//
// Records are copy-on-write. A writer clones the current record, applies its
// change, persists the clone and only then publishes it, so readers always
// see either the previous or the next complete record.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fentz26/foreman/internal/metrics"
	"github.com/fentz26/foreman/internal/models"
	"github.com/fentz26/foreman/internal/store"
)

// PendingNote is the note every file starts with.
const PendingNote = "pending"

// slot holds one agent's active record. mu serializes that agent's writers;
// readers only load the pointer.
type slot struct {
	mu  sync.Mutex
	rec atomic.Pointer[models.TaskRecord]
}

// Tracker owns active task records and the archive.
type Tracker struct {
	store   *store.Store
	metrics metrics.Sink
	logger  *slog.Logger

	mu    sync.RWMutex
	slots map[string]*slot

	nowFunc func() time.Time
}

// New creates a tracker and reloads every persisted active record, so
// progress survives a daemon restart.
func New(ctx context.Context, s *store.Store, sink metrics.Sink, logger *slog.Logger) (*Tracker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		store:   s,
		metrics: metrics.OrNop(sink),
		logger:  logger.With("component", "progress"),
		slots:   make(map[string]*slot),
		nowFunc: time.Now,
	}

	active, err := s.ListActiveTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active tasks: %w", err)
	}
	for _, rec := range active {
		sl := &slot{}
		sl.rec.Store(rec)
		t.slots[rec.Owner] = sl
	}
	if len(active) > 0 {
		t.logger.Info("restored active tasks", "count", len(active))
	}
	return t, nil
}

// Create opens a new active record for agent with every file at 0%.
func (t *Tracker) Create(ctx context.Context, agent, description string, files []string) (*models.TaskRecord, error) {
	now := t.now()
	rec := &models.TaskRecord{
		Owner:       agent,
		Description: description,
		Files:       make(map[string]models.FileProgress, len(files)),
		Status:      models.TaskActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, f := range files {
		rec.Files[f] = models.FileProgress{Percent: 0, Note: PendingNote}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if sl, ok := t.slots[agent]; ok && sl.rec.Load() != nil {
		return nil, models.ErrTaskExists
	}
	if err := t.store.InsertActiveTask(ctx, rec); err != nil {
		return nil, err
	}
	sl := &slot{}
	sl.rec.Store(rec)
	t.slots[agent] = sl

	t.metrics.SetGauge("task_progress", map[string]string{"agent": agent}, 0)
	t.logger.Info("task created", "agent", agent, "files", len(files))
	return rec.Clone(), nil
}

// UpdateFile sets one file's percent and note and recomputes the overall
// progress as the mean of all files.
func (t *Tracker) UpdateFile(ctx context.Context, agent, file string, percent int, note string) (*models.TaskRecord, error) {
	if percent < 0 || percent > 100 {
		return nil, models.ErrInvalidPercent
	}
	return t.mutate(ctx, agent, func(rec *models.TaskRecord) error {
		if _, ok := rec.Files[file]; !ok {
			return models.ErrUnknownFile
		}
		rec.Files[file] = models.FileProgress{Percent: percent, Note: note}
		rec.OverallProgress = Overall(rec.Files)
		return nil
	})
}

// UpdateWorkNote sets the free-text narrative. Overall progress is untouched.
func (t *Tracker) UpdateWorkNote(ctx context.Context, agent, note string) (*models.TaskRecord, error) {
	return t.mutate(ctx, agent, func(rec *models.TaskRecord) error {
		rec.CurrentWork = note
		return nil
	})
}

// Complete archives the active record as completed. It is a no-op returning
// nil when agent has no active record.
func (t *Tracker) Complete(ctx context.Context, agent string) (*models.TaskRecord, error) {
	return t.archive(ctx, agent, models.TaskCompleted)
}

// Abandon archives the active record as abandoned. No-op without one.
func (t *Tracker) Abandon(ctx context.Context, agent string) (*models.TaskRecord, error) {
	return t.archive(ctx, agent, models.TaskAbandoned)
}

// Snapshot returns a copy of agent's active record, or nil.
func (t *Tracker) Snapshot(agent string) *models.TaskRecord {
	t.mu.RLock()
	sl, ok := t.slots[agent]
	t.mu.RUnlock()
	if !ok {
		return nil
	}
	return sl.rec.Load().Clone()
}

// Active returns copies of every active record ordered by agent.
func (t *Tracker) Active() []*models.TaskRecord {
	t.mu.RLock()
	out := make([]*models.TaskRecord, 0, len(t.slots))
	for _, sl := range t.slots {
		if rec := sl.rec.Load(); rec != nil {
			out = append(out, rec.Clone())
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out
}

// LastCompleted returns agent's most recently completed record, or nil.
func (t *Tracker) LastCompleted(ctx context.Context, agent string) (*models.TaskRecord, error) {
	return t.store.LastArchivedTask(ctx, agent)
}

// History returns agent's archive, most recent first.
func (t *Tracker) History(ctx context.Context, agent string, limit int) ([]*models.TaskRecord, error) {
	return t.store.ListArchivedTasks(ctx, agent, limit)
}

// Overall is the arithmetic mean of the file percents, rounded to the nearest
// integer. A task without files is at 0.
func Overall(files map[string]models.FileProgress) int {
	if len(files) == 0 {
		return 0
	}
	sum := 0
	for _, fp := range files {
		sum += fp.Percent
	}
	return int(math.Round(float64(sum) / float64(len(files))))
}

func (t *Tracker) mutate(ctx context.Context, agent string, apply func(*models.TaskRecord) error) (*models.TaskRecord, error) {
	t.mu.RLock()
	sl, ok := t.slots[agent]
	t.mu.RUnlock()
	if !ok {
		return nil, models.ErrNoActiveTask
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	cur := sl.rec.Load()
	if cur == nil {
		return nil, models.ErrNoActiveTask
	}
	next := cur.Clone()
	if err := apply(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = t.now()

	if err := t.store.SaveActiveTask(ctx, next); err != nil {
		return nil, err
	}
	sl.rec.Store(next)

	t.metrics.SetGauge("task_progress", map[string]string{"agent": agent}, float64(next.OverallProgress))
	return next.Clone(), nil
}

func (t *Tracker) archive(ctx context.Context, agent string, status models.TaskStatus) (*models.TaskRecord, error) {
	t.mu.RLock()
	sl, ok := t.slots[agent]
	t.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	sl.mu.Lock()
	if sl.rec.Load() == nil {
		sl.mu.Unlock()
		return nil, nil
	}
	archived, err := t.store.ArchiveActiveTask(ctx, agent, status, t.now())
	if err != nil {
		sl.mu.Unlock()
		return nil, err
	}
	sl.rec.Store(nil)
	sl.mu.Unlock()

	t.mu.Lock()
	if t.slots[agent] == sl {
		delete(t.slots, agent)
	}
	t.mu.Unlock()

	t.metrics.IncCounter("tasks_archived_total", map[string]string{"status": string(status)}, 1)
	t.metrics.SetGauge("task_progress", map[string]string{"agent": agent}, 0)
	t.logger.Info("task archived", "agent", agent, "status", status)
	return archived, nil
}

func (t *Tracker) now() time.Time {
	return t.nowFunc().UTC()
}
