// Package delivery drives scheduled and on-demand book deliveries: it arms a
// cron timer, serializes firings and runs the send protocol against the
// session client and the item store.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"bookbot/internal/cronspec"
	"bookbot/internal/eventbus"
	"bookbot/internal/metrics"
	"bookbot/internal/storage"
	logx "bookbot/pkg/logx"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Settings keys.
const (
	SettingGroupID      = "group_id"
	SettingCronSchedule = "cron_schedule"
	SettingBotActive    = "bot_active"
	SettingLastSendDate = "last_send_date"
)

const (
	TriggerTimer  = "timer"
	TriggerManual = "manual"
)

type Outcome string

const (
	OutcomeSent          Outcome = "sent"
	OutcomeFailed        Outcome = "failed"
	OutcomeNothingToSend Outcome = "nothing_to_send"
	OutcomeNotConnected  Outcome = "not_connected"
	OutcomeNoDestination Outcome = "no_destination"
)

// Session is the part of the session client delivery needs.
type Session interface {
	IsReady() bool
	SendImage(ctx context.Context, destination, path, caption string) error
	SendDocument(ctx context.Context, destination, path, filename string) error
}

// Store is the part of the item store delivery needs.
type Store interface {
	NextPendingItem(ctx context.Context) (*storage.Item, error)
	MarkStatus(ctx context.Context, id int64, status storage.Status, at time.Time) error
	AppendLog(ctx context.Context, itemID int64, status storage.LogStatus, message string) error
	RecentLogs(ctx context.Context, limit int) ([]storage.LogEntry, error)
	CountByStatus(ctx context.Context) (storage.Counts, error)
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

type Config struct {
	// DefaultCron is used when neither the caller nor the cron_schedule
	// setting provides an expression.
	DefaultCron     string
	BetweenMessages time.Duration
	AfterSend       time.Duration
	Location        *time.Location
}

// Result describes one firing.
type Result struct {
	RunID     string        `json:"run_id"`
	Trigger   string        `json:"trigger"`
	Outcome   Outcome       `json:"outcome"`
	ItemID    int64         `json:"item_id,omitempty"`
	ItemTitle string        `json:"item_title,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Took      time.Duration `json:"took"`
}

type Status struct {
	Running        bool       `json:"running"`
	CronExpression string     `json:"cron_expression"`
	Description    string     `json:"description"`
	NextFire       *time.Time `json:"next_fire,omitempty"`
}

type Stats struct {
	LastSendDate   *time.Time     `json:"last_send_date,omitempty"`
	Active         bool           `json:"active"`
	Running        bool           `json:"running"`
	CronExpression string         `json:"cron_expression"`
	Counts         storage.Counts `json:"counts"`
}

type Service struct {
	store Store
	sess  Session
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// ctl serializes Start/Stop/UpdateSchedule/Close.
	ctl sync.Mutex

	mu       sync.Mutex
	cfg      Config
	timer    *cron.Cron
	running  bool
	expr     string
	gen      uint64
	busy     bool
	closed   bool
	inflight sync.WaitGroup
}

func New(cfg Config, store Store, sess Session, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:      store,
		sess:       sess,
		log:        log.With(logx.String("comp", "delivery")),
		bus:        bus,
		now:        time.Now,
		baseCtx:    ctx,
		baseCancel: cancel,
		cfg:        cfg.withDefaults(),
	}
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.DefaultCron) == "" {
		c.DefaultCron = "0 9 * * *"
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.BetweenMessages < 0 {
		c.BetweenMessages = 0
	}
	if c.AfterSend < 0 {
		c.AfterSend = 0
	}
	return c
}

// Apply swaps delays and timezone at runtime. A timezone change re-arms a
// running timer.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.mu.Lock()
	rearm := s.running && cfg.Location.String() != s.cfg.Location.String()
	s.cfg = cfg
	expr := s.expr
	s.mu.Unlock()

	if rearm {
		if err := s.arm(expr); err != nil {
			s.log.Error("re-arm after timezone change failed", logx.Err(err))
		}
	}
}

func (s *Service) delays() (between, after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.BetweenMessages, s.cfg.AfterSend
}

// Start arms the timer. An empty expr falls back to the cron_schedule
// setting, then to the configured default. Start while running re-arms.
func (s *Service) Start(ctx context.Context, expr string) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	return s.startLocked(ctx, expr)
}

func (s *Service) startLocked(ctx context.Context, expr string) error {
	expr, err := s.resolveExpr(ctx, expr)
	if err != nil {
		return err
	}
	if err := s.check(expr); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.store.SetSetting(ctx, SettingBotActive, "true"); err != nil {
		return fmt.Errorf("persist %s: %w", SettingBotActive, err)
	}
	return s.arm(expr)
}

func (s *Service) resolveExpr(ctx context.Context, expr string) (string, error) {
	if expr = cronspec.Normalize(expr); expr != "" {
		return expr, nil
	}
	v, ok, err := s.store.GetSetting(ctx, SettingCronSchedule)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", SettingCronSchedule, err)
	}
	if v = cronspec.Normalize(v); ok && v != "" {
		return v, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.DefaultCron, nil
}

// check rejects malformed expressions and ones that never fire.
func (s *Service) check(expr string) error {
	s.mu.Lock()
	loc := s.cfg.Location
	s.mu.Unlock()
	_, err := cronspec.Next(expr, s.now().In(loc))
	return err
}

// arm replaces any armed timer with one for expr.
func (s *Service) arm(expr string) error {
	sched, err := cronspec.Parse(expr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	old := s.timer
	s.gen++
	gen := s.gen
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	c.Schedule(sched, cron.FuncJob(func() { s.fire(gen) }))
	c.Start()
	s.timer = c
	s.running = true
	s.expr = expr
	loc := s.cfg.Location
	s.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	metrics.SetSchedulerRunning(true)
	s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleChanged, Time: s.now(), Data: eventbus.ScheduleChange{Running: true, CronExpression: expr}})

	fields := []logx.Field{logx.String("expr", expr), logx.String("description", cronspec.Describe(expr)), logx.String("tz", loc.String())}
	if next, err := cronspec.NextN(expr, s.now().In(loc), 3); err == nil {
		parts := make([]string, 0, len(next))
		for _, t := range next {
			parts = append(parts, t.Format(time.RFC3339))
		}
		fields = append(fields, logx.String("next", strings.Join(parts, ", ")))
	}
	s.log.Info("schedule armed", fields...)
	return nil
}

// disarm stops the timer without waiting for an in-flight firing. It reports
// whether a timer was armed.
func (s *Service) disarm() bool {
	s.mu.Lock()
	c := s.timer
	s.timer = nil
	s.running = false
	s.gen++
	s.mu.Unlock()

	if c == nil {
		return false
	}
	c.Stop()
	metrics.SetSchedulerRunning(false)
	return true
}

// Stop disarms the timer and persists bot_active=false. It does not interrupt
// a firing that already started.
func (s *Service) Stop(ctx context.Context) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	return s.stopLocked(ctx)
}

func (s *Service) stopLocked(ctx context.Context) error {
	if s.disarm() {
		s.log.Info("schedule stopped")
		s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleChanged, Time: s.now(), Data: eventbus.ScheduleChange{Running: false, CronExpression: s.Status().CronExpression}})
	}
	if err := s.store.SetSetting(ctx, SettingBotActive, "false"); err != nil {
		return fmt.Errorf("persist %s: %w", SettingBotActive, err)
	}
	return nil
}

// UpdateSchedule validates and persists expr. A running timer is restarted
// with it; a stopped one stays stopped.
func (s *Service) UpdateSchedule(ctx context.Context, expr string) error {
	expr = cronspec.Normalize(expr)
	if err := s.check(expr); err != nil {
		return err
	}

	s.ctl.Lock()
	defer s.ctl.Unlock()
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.store.SetSetting(ctx, SettingCronSchedule, expr); err != nil {
		return fmt.Errorf("persist %s: %w", SettingCronSchedule, err)
	}

	s.mu.Lock()
	running := s.running
	if !running {
		s.expr = expr
	}
	s.mu.Unlock()

	if !running {
		s.log.Info("schedule updated (stopped)", logx.String("expr", expr))
		s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleChanged, Time: s.now(), Data: eventbus.ScheduleChange{Running: false, CronExpression: expr}})
		return nil
	}
	if err := s.stopLocked(ctx); err != nil {
		return err
	}
	return s.startLocked(ctx, expr)
}

// Resume starts the timer when bot_active was left true by a previous run.
func (s *Service) Resume(ctx context.Context) (bool, error) {
	v, ok, err := s.store.GetSetting(ctx, SettingBotActive)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", SettingBotActive, err)
	}
	if !ok || v != "true" {
		return false, nil
	}
	if err := s.Start(ctx, ""); err != nil {
		return false, err
	}
	return true, nil
}

// ExecuteNow runs the send protocol once and returns its result. It fails
// with ErrBusy while another firing is in progress.
func (s *Service) ExecuteNow(ctx context.Context) (Result, error) {
	if err := s.begin(TriggerManual, 0); err != nil {
		return Result{Trigger: TriggerManual}, err
	}
	return s.execute(ctx, TriggerManual)
}

// fire is the timer callback for the arming generation gen.
func (s *Service) fire(gen uint64) {
	if err := s.begin(TriggerTimer, gen); err != nil {
		switch {
		case errors.Is(err, ErrBusy):
			metrics.DeliverySkippedTotal.Inc()
			s.log.Warn("timer fire skipped: delivery in progress")
		default:
			s.log.Debug("stale timer fire discarded", logx.Err(err))
		}
		return
	}
	// Timer failures are visible through logs and item state only.
	_, _ = s.execute(s.baseCtx, TriggerTimer)
}

var errStaleFire = errors.New("timer generation changed")

// begin claims the busy gate. gen is checked for timer fires only.
func (s *Service) begin(trigger string, gen uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if trigger == TriggerTimer && (!s.running || gen != s.gen) {
		return errStaleFire
	}
	if s.busy {
		return ErrBusy
	}
	s.busy = true
	s.inflight.Add(1)
	return nil
}

func (s *Service) end() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
	s.inflight.Done()
}

func (s *Service) execute(parent context.Context, trigger string) (Result, error) {
	defer s.end()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	stop := context.AfterFunc(s.baseCtx, cancel)
	defer stop()

	res := Result{RunID: uuid.NewString(), Trigger: trigger, StartedAt: s.now()}
	s.bus.Publish(eventbus.Event{Type: eventbus.DeliveryStarted, Time: res.StartedAt, Data: eventbus.DeliveryRun{RunID: res.RunID, Trigger: trigger}})

	err := s.protocol(ctx, &res)
	res.Took = s.now().Sub(res.StartedAt)

	var took time.Duration
	if res.ItemID != 0 {
		took = res.Took
	}
	metrics.ObserveDelivery(trigger, string(res.Outcome), took)
	if res.Outcome == OutcomeSent {
		metrics.LastSuccessTimestamp.Set(float64(s.now().Unix()))
	}

	ev := eventbus.DeliveryRun{RunID: res.RunID, Trigger: trigger, ItemID: res.ItemID, Outcome: string(res.Outcome)}
	if err != nil {
		ev.Err = err.Error()
		if res.ItemID == 0 {
			s.log.Warn("delivery not attempted", logx.String("run_id", res.RunID), logx.String("trigger", trigger), logx.Err(err))
		}
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.DeliveryFinished, Time: s.now(), Data: ev})
	return res, err
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{Running: s.running, CronExpression: s.expr}
	loc := s.cfg.Location
	s.mu.Unlock()

	if st.CronExpression != "" {
		st.Description = cronspec.Describe(st.CronExpression)
	}
	if st.Running {
		if next, err := cronspec.Next(st.CronExpression, s.now().In(loc)); err == nil {
			st.NextFire = &next
		}
	}
	return st
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	st := s.Status()
	out := Stats{Running: st.Running, CronExpression: st.CronExpression}

	if v, ok, err := s.store.GetSetting(ctx, SettingLastSendDate); err != nil {
		return Stats{}, fmt.Errorf("read %s: %w", SettingLastSendDate, err)
	} else if ok && v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			out.LastSendDate = &t
		} else {
			s.log.Debug("unparseable last send date", logx.String("value", v))
		}
	}
	v, _, err := s.store.GetSetting(ctx, SettingBotActive)
	if err != nil {
		return Stats{}, fmt.Errorf("read %s: %w", SettingBotActive, err)
	}
	out.Active = v == "true"

	if out.Counts, err = s.store.CountByStatus(ctx); err != nil {
		return Stats{}, fmt.Errorf("count items: %w", err)
	}
	return out, nil
}

// History returns the most recent delivery log entries, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]storage.LogEntry, error) {
	return s.store.RecentLogs(ctx, limit)
}

// Close disarms the timer and waits for an in-flight firing. When ctx ends
// first the firing is cancelled; its outcome is still committed before Close
// returns. bot_active is left untouched so the next process resumes.
func (s *Service) Close(ctx context.Context) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	c := s.timer
	s.timer = nil
	s.running = false
	s.gen++
	s.mu.Unlock()

	var timerDone context.Context
	if c != nil {
		timerDone = c.Stop()
		metrics.SetSchedulerRunning(false)
	}

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		s.log.Warn("drain timed out; cancelling in-flight delivery")
		s.baseCancel()
		<-drained
	}
	s.baseCancel()
	if timerDone != nil {
		<-timerDone.Done()
	}
	s.log.Info("delivery closed")
	return err
}

// cronLogger routes robfig/cron's logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
