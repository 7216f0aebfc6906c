// Package session owns the lifecycle of the single messaging-channel
// connection: bring-up, pairing, readiness, reconnect and credential cleanup,
// plus the primitive send operations used by delivery.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"bookbot/internal/eventbus"
	"bookbot/internal/metrics"
	rtsup "bookbot/internal/runtime/supervisor"
	logx "bookbot/pkg/logx"

	"golang.org/x/time/rate"
)

type Config struct {
	// DataDir holds persisted credentials; it is removed on auth failure.
	DataDir          string
	ReconnectDelay   time.Duration
	MaxImageBytes    int64
	MaxDocumentBytes int64
	SendRatePerSec   int
}

func (c Config) withDefaults() Config {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.MaxImageBytes <= 0 {
		c.MaxImageBytes = 16 << 20
	}
	if c.MaxDocumentBytes <= 0 {
		c.MaxDocumentBytes = 64 << 20
	}
	if c.SendRatePerSec <= 0 {
		c.SendRatePerSec = 1
	}
	return c
}

type Client struct {
	cfg Config
	tr  Transport
	log logx.Logger
	bus eventbus.Bus

	sup      *rtsup.Supervisor
	events   chan Event
	loopOnce sync.Once
	limiter  *rate.Limiter

	mu              sync.Mutex
	state           State
	since           time.Time
	pairingCode     string
	lastErr         string
	reconnects      uint64
	reconnectSeq    uint64
	cancelReconnect context.CancelFunc
	closed          bool
}

func New(cfg Config, tr Transport, log logx.Logger, bus eventbus.Bus) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	cfg = cfg.withDefaults()
	log = log.With(logx.String("comp", "session"))
	c := &Client{
		cfg:     cfg,
		tr:      tr,
		log:     log,
		bus:     bus,
		events:  make(chan Event, 32),
		limiter: rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), cfg.SendRatePerSec),
		since:   time.Now(),
	}
	c.sup = rtsup.NewSupervisor(context.Background(), rtsup.WithLogger(log))
	metrics.SessionState.Set(float64(Disconnected))
	return c
}

// Initialize begins session bring-up. It returns once the transport accepted
// the attempt; readiness arrives later through lifecycle events. A call while
// an attempt is already in flight (any state but disconnected) is a no-op.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != Disconnected {
		st := c.state
		c.mu.Unlock()
		c.log.Info("initialize ignored; connection attempt already in flight", logx.String("state", st.String()))
		return nil
	}
	c.loopOnce.Do(func() { c.sup.Go0("session.events", c.loop) })
	c.stopReconnectLocked()
	c.setStateLocked(Connecting)
	c.mu.Unlock()

	if err := c.tr.Connect(ctx, c.events); err != nil {
		c.mu.Lock()
		if c.state == Connecting {
			c.lastErr = err.Error()
			c.setStateLocked(Disconnected)
		}
		c.mu.Unlock()
		return fmt.Errorf("session connect: %w", err)
	}
	return nil
}

// loop is the single consumer of lifecycle events; handlers never run
// concurrently with each other.
func (c *Client) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Client) handle(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.state
	log := c.log.With(logx.String("event", string(ev.Kind)), logx.String("state", from.String()))

	switch ev.Kind {
	case EventPairing:
		if from != Connecting && from != AwaitingPairing {
			log.Debug("stale pairing event ignored")
			return
		}
		c.pairingCode = ev.PairingCode
		c.setStateLocked(AwaitingPairing)
		c.bus.Publish(eventbus.Event{Type: eventbus.SessionPairing, Data: ev.PairingCode})
		log.Info("pairing code issued; waiting for operator")

	case EventAuthenticated:
		if from != Connecting && from != AwaitingPairing {
			log.Debug("stale authenticated event ignored")
			return
		}
		c.pairingCode = ""
		c.setStateLocked(Authenticated)

	case EventReady:
		if from == Disconnected || from == Ready {
			log.Debug("stale ready event ignored")
			return
		}
		c.pairingCode = ""
		c.lastErr = ""
		c.setStateLocked(Ready)

	case EventAuthFailure:
		if from == Disconnected {
			log.Debug("stale auth failure ignored")
			return
		}
		c.lastErr = "auth failure: " + ev.Reason
		c.pairingCode = ""
		c.setStateLocked(Disconnected)
		log.Error("authentication failed; removing stored credentials", logx.String("reason", ev.Reason))
		c.removeCredentials()

	case EventDisconnected:
		// Already disconnected: either a manual Disconnect or a duplicate
		// event; neither schedules a reconnect.
		if from == Disconnected {
			log.Debug("disconnect event while disconnected ignored")
			return
		}
		c.lastErr = "disconnected: " + ev.Reason
		c.pairingCode = ""
		c.setStateLocked(Disconnected)
		log.Warn("session disconnected; scheduling reconnect",
			logx.String("reason", ev.Reason),
			logx.Duration("delay", c.cfg.ReconnectDelay),
		)
		c.scheduleReconnectLocked()

	default:
		log.Debug("unknown session event ignored")
	}
}

// scheduleReconnectLocked replaces any pending reconnect with a new one.
func (c *Client) scheduleReconnectLocked() {
	if c.closed {
		return
	}
	c.stopReconnectLocked()
	c.reconnects++
	c.reconnectSeq++
	seq := c.reconnectSeq
	metrics.SessionReconnectsTotal.Inc()
	c.cancelReconnect = c.sup.GoAfter("session.reconnect", c.cfg.ReconnectDelay, func(ctx context.Context) error {
		// Once running, the task is no longer "pending": Initialize must not
		// cancel the context it is running under.
		c.mu.Lock()
		if c.reconnectSeq != seq {
			c.mu.Unlock()
			return nil
		}
		c.cancelReconnect = nil
		c.mu.Unlock()

		c.log.Info("reconnecting")
		if err := c.Initialize(ctx); err != nil {
			c.log.Warn("reconnect failed", logx.Err(err))
		}
		return nil
	})
}

func (c *Client) stopReconnectLocked() {
	if c.cancelReconnect != nil {
		c.cancelReconnect()
		c.cancelReconnect = nil
	}
}

func (c *Client) removeCredentials() {
	dir := strings.TrimSpace(c.cfg.DataDir)
	if dir == "" {
		return
	}
	clean := filepath.Clean(dir)
	if clean == "." || clean == string(filepath.Separator) {
		c.log.Warn("refusing to remove credentials directory", logx.String("dir", dir))
		return
	}
	if err := os.RemoveAll(clean); err != nil {
		c.log.Error("remove credentials failed", logx.String("dir", clean), logx.Err(err))
		return
	}
	c.log.Info("credentials removed", logx.String("dir", clean))
}

func (c *Client) setStateLocked(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.since = time.Now()
	metrics.SessionState.Set(float64(to))
	metrics.SessionTransitionsTotal.WithLabelValues(to.String()).Inc()
	c.bus.Publish(eventbus.Event{
		Type: eventbus.SessionState,
		Data: eventbus.SessionStateChanged{From: from.String(), To: to.String()},
	})
	c.log.Info("session state changed", logx.String("from", from.String()), logx.String("to", to.String()))
}

func (c *Client) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Ready
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PairingCode returns the code the operator must confirm, if any.
func (c *Client) PairingCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pairingCode
}

func (c *Client) Info() Info {
	c.mu.Lock()
	info := Info{
		State:       c.state.String(),
		Ready:       c.state == Ready,
		Since:       c.since,
		PairingCode: c.pairingCode,
		LastError:   c.lastErr,
		Reconnects:  c.reconnects,
	}
	c.mu.Unlock()
	if info.Ready {
		if ap, ok := c.tr.(AccountProvider); ok {
			if acc, ok := ap.Account(); ok {
				info.Account = &acc
			}
		}
	}
	return info
}

// Disconnect tears the session down and cancels any pending reconnect.
// It is idempotent and always leaves the client disconnected.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.stopReconnectLocked()
	c.pairingCode = ""
	c.setStateLocked(Disconnected)
	c.mu.Unlock()

	if err := c.tr.Close(ctx); err != nil {
		c.log.Warn("transport close failed", logx.Err(err))
		return fmt.Errorf("session disconnect: %w", err)
	}
	return nil
}

// Close disconnects and stops the event loop and reconnect task.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	err := c.Disconnect(ctx)
	if serr := c.sup.Stop(ctx); serr != nil && err == nil {
		err = serr
	}
	return err
}
