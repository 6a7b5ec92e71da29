package supervisor

import (
	"fmt"
	"sort"
	"time"
)

type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// RoutineStats aggregates every goroutine started under one name.
type RoutineStats struct {
	Name        string        `json:"name"`
	Active      int64         `json:"active"`
	Started     uint64        `json:"started"`
	Restarts    uint64        `json:"restarts"`
	Panics      uint64        `json:"panics"`
	LastStartAt time.Time     `json:"last_start_at"`
	LastStopAt  time.Time     `json:"last_stop_at,omitempty"`
	LastErr     string        `json:"last_err,omitempty"`
	LastPanic   string        `json:"last_panic,omitempty"`
	LastRuntime time.Duration `json:"last_runtime"`
}

type Snapshot struct {
	Counters   Counters       `json:"counters"`
	FirstError string         `json:"first_error,omitempty"`
	Routines   []RoutineStats `json:"routines"`
}

type routineStats struct {
	RoutineStats
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.active.Load(), Started: s.started.Load()}
}

// Snapshot is for status output only.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	out := make([]RoutineStats, 0, len(s.routes))
	for _, st := range s.routes {
		out = append(out, st.RoutineStats)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return out[i].Active > out[j].Active
		}
		return out[i].Name < out[j].Name
	})
	snap.Routines = out
	return snap
}

func (s *Supervisor) statsLocked(name string) *routineStats {
	st := s.routes[name]
	if st == nil {
		st = &routineStats{RoutineStats{Name: name}}
		s.routes[name] = st
	}
	return st
}

func (s *Supervisor) noteStart(name string, restart bool) time.Time {
	now := time.Now()
	s.mu.Lock()
	st := s.statsLocked(name)
	st.Started++
	st.Active++
	if restart {
		st.Restarts++
	}
	st.LastStartAt = now
	s.mu.Unlock()
	return now
}

func (s *Supervisor) noteStop(name string, startedAt time.Time, err error) {
	now := time.Now()
	s.mu.Lock()
	st := s.statsLocked(name)
	if st.Active > 0 {
		st.Active--
	}
	st.LastStopAt = now
	st.LastRuntime = now.Sub(startedAt)
	if err != nil {
		st.LastErr = err.Error()
	}
	s.mu.Unlock()
}

func (s *Supervisor) notePanic(name string, p any) {
	s.mu.Lock()
	st := s.statsLocked(name)
	st.Panics++
	st.LastPanic = fmt.Sprint(p)
	s.mu.Unlock()
}
