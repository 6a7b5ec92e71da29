package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"marketpulse/internal/app"
	"marketpulse/internal/config"
	"marketpulse/pkg/logx"
)

func main() {
	var (
		cfgPath  string
		envPath  string
		stopWait time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file")
	flag.DurationVar(&stopWait, "stop-timeout", 15*time.Second, "graceful shutdown bound")
	flag.Parse()

	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "dotenv:", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath, stopWait); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string, stopWait time.Duration) error {
	boot := logx.NewConsole("info").With(logx.String("comp", "main"))

	cfgm := config.NewManager(cfgPath, config.WithLogger(boot.With(logx.String("comp", "config"))))
	cfg, err := cfgm.Load()
	if err != nil {
		return err
	}

	a, err := app.New(cfg, app.WithConfigManager(cfgm))
	if err != nil {
		return err
	}
	log := a.Logger()

	if err := a.Start(ctx); err != nil {
		log.Error("start failed", logx.Err(err))
		stop(a, app.StopFatalError, stopWait)
		return err
	}
	notify(log, daemon.SdNotifyReady)
	go watchdog(ctx, log)

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	// the app context derives from ctx, so Done alone does not mean failure
	reason := app.StopSignal
	if ctx.Err() == nil {
		reason = app.StopFatalError
	}
	notify(log, daemon.SdNotifyStopping)
	stop(a, reason, stopWait)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func stop(a *app.App, reason app.StopReason, wait time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := a.Stop(ctx, reason); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
	}
}

func notify(log logx.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}

// watchdog pings systemd at half the configured WatchdogSec.
func watchdog(ctx context.Context, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			notify(log, daemon.SdNotifyWatchdog)
		}
	}
}
