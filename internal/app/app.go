package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"marketpulse/internal/config"
	"marketpulse/internal/eventbus"
	"marketpulse/internal/lifecycle"
	"marketpulse/internal/market"
	"marketpulse/internal/notifier"
	"marketpulse/internal/runtime/supervisor"
	"marketpulse/internal/statusserver"
	"marketpulse/internal/storage"
	"marketpulse/internal/task/scheduler"
	"marketpulse/internal/units"
	"marketpulse/internal/workflow"
	"marketpulse/pkg/logx"
)

// Names of the components the app registers itself.
const (
	CompNotifier     = "notifier"
	CompScheduler    = "scheduler"
	CompStatusServer = "status_server"
	CompUnits        = "units"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.Bus
	store storage.Store
	audit bool

	hours  *market.Hours
	reg    *lifecycle.Manager
	sched  *scheduler.Service
	flows  *workflow.Executor
	notif  *notifier.Service
	status *statusserver.Server
	units  *units.Monitor
	sender notifier.Sender

	mu        sync.Mutex
	startedAt time.Time
}

type Option func(*options)

type options struct {
	cfgm   *config.Manager
	sender notifier.Sender
	dial   func(ctx context.Context) (units.Backend, error)
}

// WithConfigManager enables validation and hot reload through m.
func WithConfigManager(m *config.Manager) Option { return func(o *options) { o.cfgm = m } }

// WithSender replaces the Telegram sender, mostly for tests.
func WithSender(s notifier.Sender) Option { return func(o *options) { o.sender = s } }

// WithUnitsBackend replaces the systemd D-Bus connection.
func WithUnitsBackend(dial func(ctx context.Context) (units.Backend, error)) Option {
	return func(o *options) { o.dial = dial }
}

// New builds every service from cfg. Nothing is started.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, root := logx.New(mapLogging(cfg))
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New(root)

	var store storage.Store
	if sc, enabled, _ := mapStorage(cfg); enabled {
		st, err := storage.Open(sc, root)
		if err != nil {
			_ = logSvc.Close()
			return nil, fmt.Errorf("open storage: %w", err)
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	hours, _ := mapMarket(cfg)
	lcCfg, _ := mapLifecycle(cfg)
	schedCfg, _ := mapScheduler(cfg)
	wfCfg, _ := mapWorkflow(cfg)
	statusCfg, _ := mapStatus(cfg)

	reg := lifecycle.New(lcCfg, root, lifecycle.WithBus(bus))

	schedOpts := []scheduler.Option{scheduler.WithBus(bus), scheduler.WithMarketGate(hours)}
	if store != nil {
		schedOpts = append(schedOpts, scheduler.WithStore(store))
	}
	sched := scheduler.New(schedCfg, root, schedOpts...)

	flows := workflow.New(wfCfg, reg, root, workflow.WithBus(bus))

	sender := o.sender
	if sender == nil && strings.TrimSpace(cfg.Telegram.Token) != "" {
		tcfg, _ := mapTelegram(cfg)
		tg, err := notifier.NewTelegram(tcfg, root)
		if err != nil {
			log.Warn("telegram unavailable; notifications disabled", logx.Err(err))
		} else {
			sender = tg
		}
	}
	ncfg, _ := mapNotifier(cfg)
	if ncfg.Enabled && sender == nil {
		log.Warn("notifier has chats but no sender; disabling")
		ncfg.Enabled = false
	}
	notif := notifier.New(ncfg, sender, root, notifier.WithBus(bus))
	logSvc.SetSink(notif)

	a := &App{
		cfgm:   o.cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		audit:  store != nil && cfg.Storage != nil && cfg.Storage.AuditEvents,
		hours:  hours,
		reg:    reg,
		sched:  sched,
		flows:  flows,
		notif:  notif,
		sender: sender,
	}
	a.status = statusserver.New(statusCfg, statusserver.Deps{
		Status:     func() any { return a.IntegrationStatus() },
		Components: reg,
		Jobs:       sched,
		Workflows:  flows,
	}, root)

	if ucfg, enabled, _ := mapUnits(cfg); enabled {
		uopts := []units.Option{units.WithBus(bus)}
		if o.dial != nil {
			uopts = append(uopts, units.WithBackend(o.dial))
		}
		a.units = units.New(ucfg, root, uopts...)
	}

	if err := a.registerBuiltins(); err != nil {
		a.closeResources()
		return nil, err
	}
	if err := a.addJobs(cfg); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) registerBuiltins() error {
	if err := a.reg.Register(CompNotifier, a.notif, lifecycle.KindNotificationSystem, nil, lifecycle.Hooks{}); err != nil {
		return err
	}
	if err := a.reg.Register(CompScheduler, a.sched, lifecycle.KindScheduler, []string{CompNotifier}, lifecycle.Hooks{}); err != nil {
		return err
	}
	if err := a.reg.Register(CompStatusServer, a.status, lifecycle.KindMonitoringSystem, []string{CompScheduler}, lifecycle.Hooks{}); err != nil {
		return err
	}
	if a.units != nil {
		return a.reg.Register(CompUnits, a.units, lifecycle.KindMonitoringSystem, nil, lifecycle.Hooks{})
	}
	return nil
}

func (a *App) addJobs(cfg *config.Config) error {
	specs, err := mapJobs(cfg)
	if err != nil {
		return err
	}
	for _, js := range specs {
		id, err := a.sched.Add(js.name, a.flows.Job(js.workflow, js.args), js.schedule, js.priority, js.opts...)
		if err != nil {
			return fmt.Errorf("job %s: %w", js.name, err)
		}
		a.log.Debug("job added", logx.String("job", js.name), logx.String("id", id), logx.String("workflow", js.workflow))
	}
	return nil
}

func (a *App) closeResources() {
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logs.Close()
}

// Done is closed when the app supervisor is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

func (a *App) Logger() logx.Logger                { return a.log }
func (a *App) Bus() *eventbus.Bus                 { return a.bus }
func (a *App) Registry() *lifecycle.Manager       { return a.reg }
func (a *App) Scheduler() *scheduler.Service      { return a.sched }
func (a *App) Workflows() *workflow.Executor      { return a.flows }
func (a *App) Notifier() *notifier.Service        { return a.notif }
func (a *App) StatusServer() *statusserver.Server { return a.status }

// RegisterComponent adds an external component (analysis engine, report
// generator, alert system) to the registry. Call before Start.
func (a *App) RegisterComponent(name string, handle any, kind lifecycle.Kind, deps ...string) error {
	return a.reg.Register(name, handle, kind, deps, lifecycle.Hooks{})
}

func (a *App) StartAll(ctx context.Context) error { return a.reg.StartAll(ctx) }

func (a *App) StopAll(ctx context.Context) error { return a.reg.StopAll(ctx) }

func (a *App) ExecuteWorkflow(ctx context.Context, name string, args workflow.Args) workflow.Result {
	return a.flows.Execute(ctx, name, args)
}

func (a *App) EmitEvent(ctx context.Context, name string, payload any, source string) {
	a.bus.Publish(ctx, name, payload, source)
}

func (a *App) SubscribeToEvent(name string, fn eventbus.Handler) (unsubscribe func()) {
	return a.bus.Subscribe(name, fn)
}

// Status is the aggregated integration status.
type Status struct {
	Running    bool                `json:"running"`
	StartedAt  time.Time           `json:"started_at,omitzero"`
	Uptime     string              `json:"uptime,omitempty"`
	MarketOpen bool                `json:"market_open"`
	Components lifecycle.Snapshot  `json:"components"`
	Scheduler  scheduler.Summary   `json:"scheduler"`
	Workflows  workflow.Stats      `json:"workflows"`
	Bus        eventbus.Stats      `json:"bus"`
	Notifier   notifier.Stats      `json:"notifier"`
	Supervisor supervisor.Counters `json:"supervisor"`
	LogDropped uint64              `json:"log_alerts_dropped"`
}

func (a *App) IntegrationStatus() Status {
	a.mu.Lock()
	startedAt, sup := a.startedAt, a.sup
	a.mu.Unlock()

	st := Status{
		Running:    a.reg.Running(),
		StartedAt:  startedAt,
		MarketOpen: a.hours.IsOpen(time.Now(), ""),
		Components: a.reg.Status(),
		Scheduler:  a.sched.Summary(5),
		Workflows:  a.flows.Stats(),
		Bus:        a.bus.Stats(),
		Notifier:   a.notif.Stats(),
		LogDropped: a.logs.Dropped(),
	}
	if !startedAt.IsZero() {
		st.Uptime = time.Since(startedAt).Round(time.Second).String()
	}
	if sup != nil {
		st.Supervisor = sup.Counters()
	}
	return st
}

// Start launches the background loops and starts every registered component.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.sup != nil {
		a.mu.Unlock()
		return errors.New("app already started")
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.sup = sup
	a.startedAt = time.Now()
	a.mu.Unlock()

	if a.cfgm != nil {
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return Validate(cfg) })
	}

	// The tap must exist before components start so their first events are audited.
	if a.audit {
		events, cancel := a.bus.Stream(256)
		sup.Go0("eventbus.audit", func(c context.Context) {
			defer cancel()
			a.auditLoop(c, events)
		})
	}

	if err := a.reg.StartAll(sup.Context()); err != nil {
		return err
	}

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started", logx.Int("jobs", len(a.sched.List())))
	return nil
}

func (a *App) auditLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			rec := storage.EventRecord{At: e.Time, Name: e.Name, Source: e.Source}
			if e.Payload != nil {
				b, err := json.Marshal(e.Payload)
				if err != nil {
					a.log.Debug("event payload not serializable", logx.String("event", e.Name), logx.Err(err))
				} else {
					rec.Payload = b
				}
			}
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := a.store.AppendEvent(wctx, rec); err != nil {
				a.log.Warn("event audit write failed", logx.String("event", e.Name), logx.Err(err))
			}
			cancel()
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// keep only the latest config from a burst
		drain:
			for {
				select {
				case newer, ok := <-sub:
					if !ok {
						break drain
					}
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}

			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			if rr := config.RestartRequired(sections); len(rr) > 0 {
				a.log.Warn("config changed; restart required for these sections", logx.Strings("sections", rr))
			}
			if err := a.Apply(ctx, newCfg); err != nil {
				a.log.Warn("config apply incomplete", logx.Err(err))
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

// Apply pushes the hot-reloadable parts of cfg into running services.
// Storage, telegram, market and jobs need a restart.
func (a *App) Apply(ctx context.Context, cfg *config.Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	a.logs.Apply(mapLogging(cfg))

	schedCfg, _ := mapScheduler(cfg)
	a.sched.Apply(schedCfg)
	lcCfg, _ := mapLifecycle(cfg)
	a.reg.Apply(lcCfg)
	wfCfg, _ := mapWorkflow(cfg)
	a.flows.Apply(wfCfg)

	var errs []error
	ncfg, _ := mapNotifier(cfg)
	if ncfg.Enabled && a.sender == nil {
		a.log.Warn("notifier has chats but no sender; keeping it disabled")
		ncfg.Enabled = false
	}
	wasEnabled := a.notif.Enabled()
	a.notif.Apply(ncfg)
	switch {
	case wasEnabled && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		errs = append(errs, a.notif.Stop(stopCtx))
		cancel()
	case !wasEnabled && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		errs = append(errs, a.notif.Start(ctx))
	}

	ucfg, enabled, _ := mapUnits(cfg)
	switch {
	case a.units != nil && enabled:
		a.units.Apply(ucfg)
	case (a.units != nil) != enabled:
		a.log.Warn("units.enabled changed; restart required")
	}

	statusCfg, _ := mapStatus(cfg)
	rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	errs = append(errs, a.status.Reconfigure(rctx, statusCfg))
	cancel()
	return errors.Join(errs...)
}

// Stop tears everything down. Each step is bounded so one component cannot
// stall the whole shutdown; the caller's deadline is never extended.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max <= 0 {
			a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
			errs = append(errs, fmt.Errorf("%s: %w", name, context.DeadlineExceeded))
			return
		}
		stepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			errs = append(errs, fmt.Errorf("%s: %w", name, stepCtx.Err()))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	// components first; the scheduler persists its snapshot while storage is still open
	step("components", 8*time.Second, a.reg.StopAll)
	step("supervisor", 2*time.Second, sup.Stop)
	if a.store != nil {
		step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	}

	a.log.Info("stopped", logx.String("reason", string(reason)))
	_ = a.logs.Close()
	return errors.Join(errs...)
}
