package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"marketpulse/internal/eventbus"
	"marketpulse/pkg/logx"
)

// Poll runs one scheduling pass: stuck detection, selection, ordering and
// admission. The loop calls it every poll interval; it never waits on job bodies.
func (s *Service) Poll() {
	now := s.now()

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	s.lastPoll = now
	events := s.cancelStuckLocked(now)

	ready := s.readyLocked(now)
	slots := s.cfg.MaxConcurrent - s.running
	if slots < 0 {
		slots = 0
	}
	if len(ready) > slots {
		ready = ready[:slots]
	}
	for _, e := range ready {
		events = append(events, s.dispatchLocked(e, now))
	}
	dirty := s.dirty
	s.mu.Unlock()

	s.publish(events)
	if dirty {
		s.persist(context.Background(), false)
	}
}

// readyLocked returns due jobs in dispatch order.
func (s *Service) readyLocked(now time.Time) []*entry {
	var out []*entry
	for _, id := range s.order {
		e := s.jobs[id]
		if e == nil || !e.Enabled {
			continue
		}
		if e.Status == StatusRunning || e.Status == StatusFailed {
			continue
		}
		if e.NextRun.IsZero() || e.NextRun.After(now) {
			continue
		}
		if e.MarketHoursOnly && !s.gate.IsOpen(now, e.Timezone) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].NextRun.Equal(out[j].NextRun) {
			return out[i].NextRun.Before(out[j].NextRun)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *Service) dispatchLocked(e *entry, now time.Time) pendingEvent {
	runID := s.runSeq.Add(1)
	ctx, cancel := context.WithTimeout(context.WithValue(s.sup.Context(), jobOwnerKey{}, s), e.Timeout)

	e.Status = StatusRunning
	e.LastRun = now
	e.runID = runID
	e.cancel = cancel
	s.running++
	s.dirty = true

	id, body, timeout := e.ID, e.body, e.Timeout
	s.log.Debug("job dispatched", logx.String("job", e.Name), logx.String("id", id), logx.Int("attempt", e.RetryCount+1))
	s.sup.Go("job:"+e.Name, func(context.Context) error {
		defer cancel()
		started := time.Now()
		err := runBody(ctx, body)
		s.finish(ctx, id, runID, time.Since(started), timeout, err)
		return nil
	})
	return eventOf(eventbus.JobStarted, e)
}

// runBody waits for body or ctx, whichever comes first. A body that ignores
// ctx keeps running in the background after its deadline.
func runBody(ctx context.Context, body Body) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- body(ctx)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		select {
		case err := <-done:
			return err
		default:
			return ctx.Err()
		}
	}
}

func (s *Service) finish(ctx context.Context, id string, runID uint64, took, timeout time.Duration, err error) {
	now := s.now()

	s.mu.Lock()
	e := s.jobs[id]
	if e == nil || e.runID != runID {
		// disabled, removed or cancelled as stuck; already accounted for
		s.mu.Unlock()
		return
	}
	e.runID = 0
	e.cancel = nil
	s.running--
	s.dirty = true
	e.LastDuration = took
	s.totalExecTime += took

	var ev pendingEvent
	switch {
	case err == nil:
		s.completed++
		e.Status = StatusCompleted
		e.LastResult = StatusCompleted
		e.RetryCount = 0
		e.LastError = ""
		e.NextRun = nextIn(e.sched, now, e.loc)
		ev = eventOf(eventbus.JobCompleted, e)
		e.Status = StatusPending
		s.log.Info("job completed", logx.String("job", e.Name), logx.Duration("took", took), logx.Time("next_run", e.NextRun))

	case errors.Is(ctx.Err(), context.Canceled) && !errors.Is(err, context.DeadlineExceeded):
		// scheduler shutdown
		e.Status = StatusCancelled
		e.LastResult = StatusCancelled
		e.LastError = context.Canceled.Error()
		e.NextRun = nextIn(e.sched, now, e.loc)
		ev = eventOf(eventbus.JobCancelled, e)
		s.log.Info("job cancelled", logx.String("job", e.Name))

	default:
		s.failed++
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrJobTimeout, timeout)
		} else {
			err = fmt.Errorf("%w: %w", ErrJobExecution, err)
		}
		ev = s.failLocked(e, now, err)
	}
	s.mu.Unlock()

	s.publish([]pendingEvent{ev})
}

// failLocked applies retry handling after a failed run.
func (s *Service) failLocked(e *entry, now time.Time, err error) pendingEvent {
	e.Status = StatusFailed
	e.LastResult = StatusFailed
	e.LastError = err.Error()

	if e.RetryCount < e.MaxRetries && !IsNoRetry(err) {
		e.RetryCount++
		delay := retryDelay(e.RetryDelay, e.RetryCount)
		e.Status = StatusRetrying
		e.NextRun = now.Add(delay)
		s.log.Warn("job failed; retrying", logx.String("job", e.Name), logx.Int("retry", e.RetryCount), logx.Int("max_retries", e.MaxRetries), logx.Duration("delay", delay), logx.Err(err))
		return eventOf(eventbus.JobRetrying, e)
	}

	e.LastError = fmt.Errorf("%w: %w", ErrRetriesExhausted, err).Error()
	s.log.Error("job failed", logx.String("job", e.Name), logx.Int("retries", e.RetryCount), logx.Err(err))
	return eventOf(eventbus.JobFailed, e)
}

// cancelStuckLocked cancels runs older than the stuck threshold.
func (s *Service) cancelStuckLocked(now time.Time) []pendingEvent {
	var events []pendingEvent
	for _, id := range s.order {
		e := s.jobs[id]
		if e == nil || e.Status != StatusRunning || now.Sub(e.LastRun) <= s.cfg.StuckThreshold {
			continue
		}
		s.log.Warn("job stuck; cancelling", logx.String("job", e.Name), logx.Duration("running_for", now.Sub(e.LastRun)))
		s.cancelRunLocked(e)
		e.Status = StatusCancelled
		e.LastResult = StatusCancelled
		e.LastError = fmt.Sprintf("cancelled: running longer than %s", s.cfg.StuckThreshold)
		e.NextRun = nextIn(e.sched, now, e.loc)
		events = append(events, eventOf(eventbus.JobCancelled, e))
	}
	return events
}

type jobOwnerKey struct{}

// cancelRunLocked cancels the in-flight run of e and frees its slot.
func (s *Service) cancelRunLocked(e *entry) {
	if e.runID == 0 {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.runID = 0
	e.cancel = nil
	s.running--
	s.dirty = true
}
