package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketpulse/pkg/logx"
)

type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int // <=0 means unlimited
	restartNil  bool
	fatal       bool
}

// WithRestartBackoff bounds the doubling delay between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n failed runs. The first run is not a restart.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithRestartOnCleanExit restarts fn even when it returns nil.
func WithRestartOnCleanExit(enabled bool) RestartOption {
	return func(c *restartCfg) { c.restartNil = enabled }
}

// WithFatalOnFinalError records the last error on the supervisor when restarts run out.
func WithFatalOnFinalError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.fatal = enabled }
}

// GoRestart runs fn and restarts it after an error or panic until the
// supervisor is cancelled. Used for long-running loops.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.Go0(name+".restart", func(ctx context.Context) {
		backoff := cfg.minBackoff
		for restarts := 0; ; {
			if ctx.Err() != nil {
				return
			}
			startedAt := s.noteStart(name, restarts > 0)
			err, pan, stack := runSafe(ctx, fn)
			if pan != nil {
				s.notePanic(name, pan)
				s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", pan), logx.String("stack", stack))
				err = fmt.Errorf("panic: %v", pan)
			}
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.noteStop(name, startedAt, nil)
				return
			}
			if err == nil {
				if !cfg.restartNil {
					s.noteStop(name, startedAt, nil)
					return
				}
				err = errors.New("exited")
			}
			err = fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, startedAt, err)

			restarts++
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				if cfg.fatal {
					s.fail(err)
				}
				return
			}

			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", backoff), logx.Err(err))
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > cfg.maxBackoff {
				backoff = cfg.maxBackoff
			}
		}
	})
}
