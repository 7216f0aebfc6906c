// Package app wires bookbot's components together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"bookbot/internal/config"
	"bookbot/internal/delivery"
	"bookbot/internal/eventbus"
	"bookbot/internal/observability/ops"
	rtsup "bookbot/internal/runtime/supervisor"
	"bookbot/internal/session"
	"bookbot/internal/storage"
	"bookbot/internal/transport/telegram"
	logx "bookbot/pkg/logx"
	"bookbot/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	sess  *session.Client
	deliv *delivery.Service
	ops   *ops.Service

	drainTimeout atomic.Int64 // time.Duration
}

type options struct {
	transport session.Transport
}

type Option func(*options)

// WithTransport replaces the configured session transport.
func WithTransport(tr session.Transport) Option {
	return func(o *options) { o.transport = tr }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	// The group sink sender is bound once the session client exists.
	logSvc, log := logx.New(logConfig(cfg), nil)
	bus := eventbus.New()

	stc, err := storageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(stc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", stc.Driver), logx.String("path", stc.Path))

	scfg, sres, err := sessionConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	tr := o.transport
	if tr == nil {
		if tr, err = newTransport(sres, log); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	sess := session.New(scfg, tr, log, bus)
	logSvc.SetSender(sess)

	dcfg, dres, err := deliveryConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	deliv := delivery.New(dcfg, store, sess, log, bus)

	ocfg, err := opsConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfgm:  cfgm,
		log:   log.With(logx.String("comp", "app")),
		logs:  logSvc,
		bus:   bus,
		store: store,
		sess:  sess,
		deliv: deliv,
	}
	a.drainTimeout.Store(int64(dres.DrainTimeout))
	a.ops = ops.New(ocfg, health{a}, log)
	if tg, ok := tr.(*telegram.Transport); ok {
		tg.SetStatusFunc(a.StatusText)
	}
	return a, nil
}

// StatusText is the chat reply to a status request.
func (a *App) StatusText() string {
	info := a.sess.Info()
	st := a.deliv.Status()

	var b strings.Builder
	b.WriteString("🤖 Book bot is active!\n")
	fmt.Fprintf(&b, "Session: %s\n", info.State)
	if !st.Running {
		b.WriteString("Schedule: stopped")
		return b.String()
	}
	fmt.Fprintf(&b, "Schedule: %s (%s)", st.CronExpression, st.Description)
	if st.NextFire != nil {
		fmt.Fprintf(&b, "\nNext delivery: %s", st.NextFire.Format("2006-01-02 15:04 MST"))
	}
	return b.String()
}

func (a *App) Session() *session.Client    { return a.sess }
func (a *App) Delivery() *delivery.Service { return a.deliv }
func (a *App) Store() storage.Store        { return a.store }

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	cfg := a.cfgm.Get()

	if err := a.syncDestination(ctx, cfg); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		a.logEvents(c, events)
	})

	if ocfg, err := opsConfig(cfg); err == nil && ocfg.Enabled {
		a.ops.Start(runCtx)
	}

	if err := a.sess.Initialize(ctx); err != nil {
		return fmt.Errorf("session: %w", err)
	}

	if resumed, err := a.deliv.Resume(ctx); err != nil {
		a.log.Warn("schedule not resumed", logx.Err(err))
	} else if resumed {
		a.log.Info("schedule resumed", logx.String("expr", a.deliv.Status().CronExpression))
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		systemd.Watchdog(c, a.log, nil)
	})

	a.log.Info("app started")
	return nil
}

// syncDestination seeds group_id from config when unset and points the
// group log sink at the delivery chat.
func (a *App) syncDestination(ctx context.Context, cfg *config.Config) error {
	dest, ok, err := a.store.GetSetting(ctx, delivery.SettingGroupID)
	if err != nil {
		return fmt.Errorf("read %s: %w", delivery.SettingGroupID, err)
	}
	if seed := strings.TrimSpace(cfg.Delivery.Destination); (!ok || dest == "") && seed != "" {
		if err := a.store.SetSetting(ctx, delivery.SettingGroupID, seed); err != nil {
			return fmt.Errorf("seed %s: %w", delivery.SettingGroupID, err)
		}
		a.log.Info("delivery destination seeded from config", logx.String("group_id", seed))
		dest = seed
	}
	a.logs.SetGroupTarget(dest)
	return nil
}

func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch d := e.Data.(type) {
			case string:
				if e.Type == eventbus.SessionPairing {
					a.log.Info("pairing code issued; confirm it on the paired device", logx.String("code", d))
				}
			case eventbus.SessionStateChanged:
				_, _ = systemd.Status("session " + d.To)
			case eventbus.ScheduleChange:
				st := "schedule stopped"
				if d.Running {
					st = "schedule " + d.CronExpression
				}
				_, _ = systemd.Status(st)
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(logConfig(next))

	if dcfg, dres, err := deliveryConfig(next); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.deliv.Apply(dcfg)
		a.drainTimeout.Store(int64(dres.DrainTimeout))
	}
	if err := a.syncDestination(ctx, next); err != nil {
		a.log.Warn("destination sync failed", logx.Err(err))
	}

	if ocfg, err := opsConfig(next); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, ocfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
			max = time.Until(dl)
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	// Delivery first: an in-flight firing still needs the session and store.
	step("delivery", time.Duration(a.drainTimeout.Load()), a.deliv.Close)
	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("session", 5*time.Second, a.sess.Close)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

type health struct{ a *App }

// Snapshot is the /readyz payload.
type Snapshot struct {
	Session       session.Info    `json:"session"`
	Delivery      delivery.Status `json:"delivery"`
	Supervisor    rtsup.Snapshot  `json:"supervisor"`
	EventsDropped uint64          `json:"events_dropped"`
}

func (h health) Ready() bool { return h.a.sess.IsReady() }

func (h health) Snapshot() any {
	s := Snapshot{
		Session:       h.a.sess.Info(),
		Delivery:      h.a.deliv.Status(),
		EventsDropped: h.a.bus.Dropped(),
	}
	if h.a.sup != nil {
		s.Supervisor = h.a.sup.Snapshot()
	}
	return s
}
