package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDuration parses a duration string such as "90s". Empty or zero means
// def; negative values are rejected. path names the field in errors.
func ParseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// Durations parses the duration fields of one section and keeps the first
// error, so a mapper reads every field and checks Err once.
//
//	d := config.Durations{Section: "scheduler"}
//	poll := d.Get("poll_interval", sc.PollInterval, 0)
//	if err := d.Err(); err != nil { ... }
type Durations struct {
	Section string
	err     error
}

// Get parses Section.name. After the first error it returns 0.
func (d *Durations) Get(name, raw string, def time.Duration) time.Duration {
	if d.err != nil {
		return 0
	}
	path := name
	if d.Section != "" {
		path = d.Section + "." + name
	}
	v, err := ParseDuration(path, raw, def)
	if err != nil {
		d.err = err
		return 0
	}
	return v
}

func (d *Durations) Err() error { return d.err }
