package scheduler

import (
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"

	"marketpulse/internal/eventbus"
	"marketpulse/pkg/logx"
)

// Add registers a job and returns its id. The first run is the next schedule
// match after now. Persisted fields of a previous job with the same name are
// merged in.
func (s *Service) Add(name string, body Body, schedule string, priority Priority, opts ...JobOption) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("job name required")
	}
	if body == nil {
		return "", errors.New("job body required")
	}
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	if _, ok := priorityNames[priority]; !ok {
		priority = PriorityNormal
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j := Job{
		ID:         uuid.NewString(),
		Name:       name,
		Priority:   priority,
		Schedule:   strings.TrimSpace(schedule),
		Timezone:   s.cfg.Timezone,
		MaxRetries: s.cfg.DefaultMaxRetries,
		RetryDelay: s.cfg.DefaultRetryDelay,
		Timeout:    s.cfg.DefaultTimeout,
		Enabled:    true,
		Status:     StatusPending,
	}
	for _, o := range opts {
		if o != nil {
			o(&j)
		}
	}
	if j.Timezone == "" {
		j.Timezone = s.cfg.Timezone
	}
	loc := s.loc
	if j.Timezone != s.cfg.Timezone {
		loc = s.loadLocation(j.Timezone)
	}

	e := &entry{Job: j, body: body, sched: sched, loc: loc}
	if rec, ok := s.persisted[name]; ok {
		mergeRecord(e, rec)
	}
	e.NextRun = nextIn(sched, s.now(), loc)

	s.jobs[e.ID] = e
	s.order = append(s.order, e.ID)
	s.dirty = true
	s.log.Info("job added",
		logx.String("job", name),
		logx.String("id", e.ID),
		logx.String("schedule", e.Schedule),
		logx.String("priority", priority.String()),
		logx.String("next", PreviewNext(sched, s.now(), loc, 3)),
	)
	return e.ID, nil
}

// Remove deletes a job, cancelling any in-flight run.
func (s *Service) Remove(id string) bool {
	s.mu.Lock()
	e := s.jobs[id]
	if e == nil {
		s.mu.Unlock()
		return false
	}
	s.cancelRunLocked(e)
	delete(s.jobs, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	s.dirty = true
	s.mu.Unlock()

	s.log.Info("job removed", logx.String("job", e.Name), logx.String("id", id))
	return true
}

// Enable re-enables a job. A terminally failed job gets a fresh retry budget
// and its next natural schedule tick.
func (s *Service) Enable(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.jobs[id]
	if e == nil {
		return false
	}
	if e.Enabled && e.Status != StatusFailed {
		return true
	}
	e.Enabled = true
	e.RetryCount = 0
	if e.Status == StatusFailed {
		e.Status = StatusPending
	}
	e.NextRun = nextIn(e.sched, s.now(), e.loc)
	s.dirty = true
	s.log.Info("job enabled", logx.String("job", e.Name), logx.Time("next_run", e.NextRun))
	return true
}

// Disable stops future runs. A running instance is cancelled and marked Cancelled.
func (s *Service) Disable(id string) bool {
	s.mu.Lock()
	e := s.jobs[id]
	if e == nil {
		s.mu.Unlock()
		return false
	}
	e.Enabled = false
	s.dirty = true
	var events []pendingEvent
	if e.runID != 0 {
		s.cancelRunLocked(e)
		e.Status = StatusCancelled
		e.LastResult = StatusCancelled
		e.LastError = "cancelled: job disabled"
		events = append(events, eventOf(eventbus.JobCancelled, e))
	} else {
		e.Status = StatusPending
	}
	s.mu.Unlock()

	s.publish(events)
	s.log.Info("job disabled", logx.String("job", e.Name), logx.Bool("cancelled_run", len(events) > 0))
	return true
}

// RunNow makes an enabled job due at the next poll.
func (s *Service) RunNow(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.jobs[id]
	if e == nil {
		return ErrJobNotFound
	}
	if !e.Enabled {
		return errors.New("job disabled")
	}
	if e.Status == StatusFailed {
		e.Status = StatusPending
		e.RetryCount = 0
	}
	e.NextRun = s.now()
	return nil
}

func (s *Service) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.jobs[id]
	if e == nil {
		return Job{}, false
	}
	return e.Job, true
}

// Lookup finds a job by name.
func (s *Service) Lookup(name string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if e := s.jobs[id]; e != nil && e.Name == name {
			return e.Job, true
		}
	}
	return Job{}, false
}

// List returns jobs (optionally filtered by status) by priority desc, then next run asc.
func (s *Service) List(statuses ...Status) []Job {
	want := map[Status]bool{}
	for _, st := range statuses {
		want[st] = true
	}
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, id := range s.order {
		e := s.jobs[id]
		if e == nil || (len(want) > 0 && !want[e.Status]) {
			continue
		}
		out = append(out, e.Job)
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		zi, zj := out[i].NextRun.IsZero(), out[j].NextRun.IsZero()
		if zi != zj {
			return zj
		}
		return out[i].NextRun.Before(out[j].NextRun)
	})
	return out
}
