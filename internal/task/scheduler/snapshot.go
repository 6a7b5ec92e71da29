package scheduler

import (
	"context"
	"errors"
	"sort"
	"time"

	"marketpulse/internal/storage"
	"marketpulse/pkg/logx"
)

func (s *Service) Statistics() Stats {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked(now)
}

func (s *Service) statsLocked(now time.Time) Stats {
	st := Stats{
		JobsCompleted:      s.completed,
		JobsFailed:         s.failed,
		TotalExecutionTime: s.totalExecTime,
		StartedAt:          s.startedAt,
		LastHealthCheck:    s.lastHealth,
		LastPoll:           s.lastPoll,
		Jobs:               len(s.jobs),
		Running:            s.running,
	}
	if runs := s.completed + s.failed; runs > 0 {
		st.AverageDuration = s.totalExecTime / time.Duration(runs)
	}
	if !s.startedAt.IsZero() {
		st.Uptime = now.Sub(s.startedAt)
	}
	return st
}

// Summary counts jobs by status and priority and lists the next n fire times.
func (s *Service) Summary(n int) Summary {
	now := s.now()
	s.mu.Lock()
	sum := Summary{
		Total:      len(s.jobs),
		ByStatus:   map[Status]int{},
		ByPriority: map[string]int{},
		Stats:      s.statsLocked(now),
	}
	var next []UpcomingRun
	for _, id := range s.order {
		e := s.jobs[id]
		if e == nil {
			continue
		}
		sum.ByStatus[e.Status]++
		sum.ByPriority[e.Priority.String()]++
		if e.Enabled {
			sum.Enabled++
			if !e.NextRun.IsZero() && e.Status != StatusFailed {
				next = append(next, UpcomingRun{ID: e.ID, Name: e.Name, NextRun: e.NextRun})
			}
		}
	}
	s.mu.Unlock()

	sort.SliceStable(next, func(i, j int) bool { return next[i].NextRun.Before(next[j].NextRun) })
	if n >= 0 && len(next) > n {
		next = next[:n]
	}
	sum.Next = next
	return sum
}

func (s *Service) stateLocked(now time.Time) storage.SchedulerState {
	st := storage.SchedulerState{
		SavedAt: now,
		Jobs:    make([]storage.JobRecord, 0, len(s.order)),
		Stats: storage.SchedulerStats{
			JobsCompleted:      s.completed,
			JobsFailed:         s.failed,
			TotalExecutionTime: s.totalExecTime,
			StartedAt:          s.startedAt,
			LastHealthCheck:    s.lastHealth,
		},
	}
	for _, id := range s.order {
		e := s.jobs[id]
		if e == nil {
			continue
		}
		st.Jobs = append(st.Jobs, storage.JobRecord{
			ID:              e.ID,
			Name:            e.Name,
			Priority:        int(e.Priority),
			Schedule:        e.Schedule,
			Timezone:        e.Timezone,
			MaxRetries:      e.MaxRetries,
			RetryDelay:      e.RetryDelay,
			Timeout:         e.Timeout,
			MarketHoursOnly: e.MarketHoursOnly,
			Enabled:         e.Enabled,
			Status:          string(e.Status),
			LastRun:         e.LastRun,
			NextRun:         e.NextRun,
			RetryCount:      e.RetryCount,
			LastError:       e.LastError,
			LastDuration:    e.LastDuration,
		})
	}
	return st
}

// persist writes a snapshot when state changed (or always when force is set).
func (s *Service) persist(ctx context.Context, force bool) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	if !s.dirty && !force {
		s.mu.Unlock()
		return
	}
	st := s.stateLocked(s.now())
	s.dirty = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.SaveSchedulerState(ctx, st); err != nil {
		s.log.Warn("save scheduler state failed", logx.Err(err))
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
	}
}

// restore loads statistics and per-name job records. Jobs already added are
// merged immediately; later Adds merge on registration.
func (s *Service) restore(ctx context.Context) {
	if s.store == nil {
		return
	}
	st, err := s.store.LoadSchedulerState(ctx)
	if errors.Is(err, storage.ErrNoState) {
		return
	}
	if err != nil {
		s.log.Warn("load scheduler state failed", logx.Err(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = st.Stats.JobsCompleted
	s.failed = st.Stats.JobsFailed
	s.totalExecTime = st.Stats.TotalExecutionTime
	s.lastHealth = st.Stats.LastHealthCheck
	for _, rec := range st.Jobs {
		s.persisted[rec.Name] = rec
	}
	for _, id := range s.order {
		e := s.jobs[id]
		if rec, ok := s.persisted[e.Name]; ok && e.runID == 0 {
			mergeRecord(e, rec)
		}
	}
	s.log.Info("scheduler state restored",
		logx.Int("jobs", len(st.Jobs)),
		logx.Uint64("completed", st.Stats.JobsCompleted),
		logx.Uint64("failed", st.Stats.JobsFailed),
		logx.Time("saved_at", st.SavedAt),
	)
}

func mergeRecord(e *entry, rec storage.JobRecord) {
	e.Enabled = rec.Enabled
	e.LastRun = rec.LastRun
	e.LastError = rec.LastError
	e.LastDuration = rec.LastDuration
}
