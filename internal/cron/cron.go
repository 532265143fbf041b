// Package cron schedules recurring synthetic prompts. Jobs persist across
// restarts in cron_jobs.json and fire by handing a prompt to the daemon's
// queue rather than calling the model directly, so a live user turn is
// never preempted.
package cron

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/famulus-dev/famulus/internal/bus"
	"github.com/famulus-dev/famulus/pkg/protocol"
)

// Record is one persisted scheduled job.
type Record struct {
	ID        string `json:"id"`
	Alias     string `json:"alias"`
	CronExpr  string `json:"cronExpr"`
	Prompt    string `json:"prompt"`
	Enabled   bool   `json:"enabled"`
	CreatedAt int64  `json:"createdAt"`
	LastRunAt int64  `json:"lastRunAt,omitempty"`
}

// Entry is a Record with its computed next fire time.
type Entry struct {
	Record
	NextRun time.Time `json:"nextRun"`
}

// OnFire receives a fired job's id, alias, and synthetic prompt content.
type OnFire func(id, alias, content string)

// JobStore persists the full job set. Save replaces everything; the
// service always writes the complete sorted set.
type JobStore interface {
	Load() ([]*Record, error)
	Save(jobs []*Record) error
}

// Service owns the job map and a single timer armed to the earliest
// next-run among enabled jobs.
type Service struct {
	store  JobStore
	pub    bus.Publisher
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	jobs    map[string]*Record
	onFire  OnFire
	timer   *time.Timer
	stopped bool
}

// NewService creates a scheduler persisting through store. Call Load to
// read existing jobs and arm timers.
func NewService(store JobStore, pub bus.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		pub:    pub,
		logger: logger,
		now:    time.Now,
		jobs:   make(map[string]*Record),
	}
}

// SetOnFire installs the dispatch callback. Jobs fired without one are
// recorded but not dispatched.
func (s *Service) SetOnFire(fn OnFire) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFire = fn
}

// Load reads persisted jobs and re-arms every enabled record. An empty
// store is a clean start, not an error.
func (s *Service) Load() error {
	recs, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("load cron jobs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		if rec != nil && rec.ID != "" {
			s.jobs[rec.ID] = rec
		}
	}
	s.rearmLocked()
	s.logger.Info("cron.loaded", "jobs", len(s.jobs))
	return nil
}

// ScheduleTask validates and registers a job, persists the file, and
// re-arms the timer. Passing existingID updates that record in place.
// Returns the job id.
func (s *Service) ScheduleTask(cronExpr, prompt, alias, existingID string) (string, error) {
	gron := gronx.New()
	if !gron.IsValid(cronExpr) {
		return "", fmt.Errorf("Invalid cron expression: %s", cronExpr)
	}
	if alias == "" {
		alias = DeriveAlias(prompt)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := existingID
	if id == "" {
		id = uuid.NewString()
	}
	prev := s.jobs[id]
	createdAt := s.now().UnixMilli()
	if prev != nil {
		createdAt = prev.CreatedAt
	}

	s.jobs[id] = &Record{
		ID:        id,
		Alias:     alias,
		CronExpr:  cronExpr,
		Prompt:    prompt,
		Enabled:   true,
		CreatedAt: createdAt,
	}

	if err := s.persistLocked(); err != nil {
		if prev != nil {
			s.jobs[id] = prev
		} else {
			delete(s.jobs, id)
		}
		return "", err
	}
	s.rearmLocked()
	s.logger.Info("cron.scheduled", "id", id, "alias", alias, "expr", cronExpr)
	return id, nil
}

// ListScheduledTasks returns every record with its next fire time,
// soonest first.
func (s *Service) ListScheduledTasks() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entries := make([]Entry, 0, len(s.jobs))
	for _, rec := range s.jobs {
		e := Entry{Record: *rec}
		if rec.Enabled {
			if at, err := gronx.NextTickAfter(rec.CronExpr, now, false); err == nil {
				e.NextRun = at
			}
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].NextRun.Equal(entries[j].NextRun) {
			return entries[i].CreatedAt < entries[j].CreatedAt
		}
		if entries[i].NextRun.IsZero() {
			return false
		}
		if entries[j].NextRun.IsZero() {
			return true
		}
		return entries[i].NextRun.Before(entries[j].NextRun)
	})
	return entries
}

// DeleteTask removes a job by id, or by alias when no id matches.
// Returns false without mutating anything when neither matches.
func (s *Service) DeleteTask(idOrAlias string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := idOrAlias
	if _, ok := s.jobs[id]; !ok {
		id = ""
		for candidate, rec := range s.jobs {
			if rec.Alias == idOrAlias {
				id = candidate
				break
			}
		}
		if id == "" {
			return false
		}
	}

	delete(s.jobs, id)
	if err := s.persistLocked(); err != nil {
		s.logger.Error("cron.persist_failed", "error", err)
	}
	s.rearmLocked()
	s.logger.Info("cron.deleted", "id", id)
	return true
}

// StopAll stops the timer and prevents further fires. Jobs stay on disk.
func (s *Service) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// DeriveAlias builds the default alias: the first 40 characters of the
// prompt, lowercased, whitespace runs replaced with "-".
func DeriveAlias(prompt string) string {
	runes := []rune(prompt)
	if len(runes) > 40 {
		runes = runes[:40]
	}

	var b strings.Builder
	inSpace := false
	for _, r := range strings.ToLower(string(runes)) {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteRune('-')
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// rearmLocked points the single timer at the earliest next-run among
// enabled jobs. Caller holds s.mu.
func (s *Service) rearmLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.stopped {
		return
	}

	now := s.now()
	var nextAt time.Time
	var due []string
	for id, rec := range s.jobs {
		if !rec.Enabled {
			continue
		}
		at, err := gronx.NextTickAfter(rec.CronExpr, now, false)
		if err != nil {
			continue
		}
		switch {
		case nextAt.IsZero() || at.Before(nextAt):
			nextAt = at
			due = []string{id}
		case at.Equal(nextAt):
			due = append(due, id)
		}
	}
	if nextAt.IsZero() {
		return
	}

	delay := nextAt.Sub(now)
	if delay < 0 {
		delay = 0
	}
	ids := due
	s.timer = time.AfterFunc(delay, func() { s.fireDue(ids) })
}

func (s *Service) fireDue(ids []string) {
	for _, id := range ids {
		s.fire(id)
	}
	s.mu.Lock()
	s.rearmLocked()
	s.mu.Unlock()
}

// fire records the run, persists, emits telemetry, and dispatches the
// synthetic prompt.
func (s *Service) fire(id string) {
	s.mu.Lock()
	rec, ok := s.jobs[id]
	if !ok || !rec.Enabled || s.stopped {
		s.mu.Unlock()
		return
	}
	rec.LastRunAt = s.now().UnixMilli()
	alias := rec.Alias
	content := fmt.Sprintf("[SCHEDULED TASK: %s] %s", rec.Alias, rec.Prompt)
	onFire := s.onFire
	if err := s.persistLocked(); err != nil {
		s.logger.Error("cron.persist_failed", "error", err)
	}
	s.mu.Unlock()

	s.logger.Info("cron.fired", "id", id, "alias", alias)
	if s.pub != nil {
		s.pub.Broadcast(protocol.New(protocol.TypeLog, protocol.LogPayload{
			Level:   "info",
			Source:  "cron",
			Message: fmt.Sprintf("Scheduled task fired: %s", alias),
		}))
	}
	if onFire != nil {
		onFire(id, alias, content)
	}
}

// persistLocked writes the full sorted job set through the store.
// Caller holds s.mu.
func (s *Service) persistLocked() error {
	jobs := make([]*Record, 0, len(s.jobs))
	for _, rec := range s.jobs {
		jobs = append(jobs, rec)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt < jobs[j].CreatedAt })
	return s.store.Save(jobs)
}
