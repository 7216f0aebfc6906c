package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	DefaultCron             = "0 9 * * *"
	DefaultTransport        = "telegram"
	DefaultDataDir          = "./.bookbot_auth"
	DefaultReconnectDelay   = 5 * time.Second
	DefaultPollTimeout      = 10 * time.Second
	DefaultMaxImageBytes    = 16 << 20
	DefaultMaxDocumentBytes = 64 << 20
	DefaultBetweenMessages  = 3 * time.Second
	DefaultAfterSend        = 2 * time.Second
	DefaultDrainTimeout     = 30 * time.Second
	DefaultStorageDriver    = "sqlite"
	DefaultStoragePath      = "./data/bookbot.db"
	DefaultBusyTimeout      = 5 * time.Second
	DefaultOpsAddr          = "127.0.0.1:6060"
)

// Session is the resolved session section.
type Session struct {
	Transport        string
	Token            string
	DataDir          string
	ReconnectDelay   time.Duration
	PollTimeout      time.Duration
	MaxImageBytes    int64
	MaxDocumentBytes int64
	SendRatePerSec   int
}

func (c SessionConfig) Resolve() (Session, error) {
	out := Session{
		Transport:        strings.ToLower(strings.TrimSpace(c.Transport)),
		Token:            strings.TrimSpace(c.Token),
		DataDir:          strings.TrimSpace(c.DataDir),
		MaxImageBytes:    c.MaxImageBytes,
		MaxDocumentBytes: c.MaxDocumentBytes,
		SendRatePerSec:   c.SendRatePerSec,
	}
	if out.Transport == "" {
		out.Transport = DefaultTransport
	}
	if out.DataDir == "" {
		out.DataDir = DefaultDataDir
	}
	if out.MaxImageBytes <= 0 {
		out.MaxImageBytes = DefaultMaxImageBytes
	}
	if out.MaxDocumentBytes <= 0 {
		out.MaxDocumentBytes = DefaultMaxDocumentBytes
	}
	if out.SendRatePerSec <= 0 {
		out.SendRatePerSec = 1
	}
	var err error
	if out.ReconnectDelay, err = durationDefault("session.reconnect_delay", c.ReconnectDelay, DefaultReconnectDelay); err != nil {
		return Session{}, err
	}
	if out.PollTimeout, err = durationDefault("session.poll_timeout", c.PollTimeout, DefaultPollTimeout); err != nil {
		return Session{}, err
	}
	return out, nil
}

// Delivery is the resolved delivery section.
type Delivery struct {
	DefaultCron     string
	BetweenMessages time.Duration
	AfterSend       time.Duration
	Location        *time.Location
	DrainTimeout    time.Duration
	Destination     string
}

func (c DeliveryConfig) Resolve() (Delivery, error) {
	out := Delivery{
		DefaultCron: strings.TrimSpace(c.DefaultCron),
		Location:    time.Local,
		Destination: strings.TrimSpace(c.Destination),
	}
	if out.DefaultCron == "" {
		out.DefaultCron = DefaultCron
	}
	var err error
	// "0s" is a legal value for the delays; only an empty string means default.
	if out.BetweenMessages, err = durationOr("delivery.between_messages", c.BetweenMessages, DefaultBetweenMessages); err != nil {
		return Delivery{}, err
	}
	if out.AfterSend, err = durationOr("delivery.after_send", c.AfterSend, DefaultAfterSend); err != nil {
		return Delivery{}, err
	}
	if out.DrainTimeout, err = durationDefault("delivery.drain_timeout", c.DrainTimeout, DefaultDrainTimeout); err != nil {
		return Delivery{}, err
	}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Delivery{}, fmt.Errorf("delivery.timezone: %w", err)
		}
		out.Location = loc
	}
	return out, nil
}

// Storage is the resolved storage section.
type Storage struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

func (c StorageConfig) Resolve() (Storage, error) {
	out := Storage{
		Driver: strings.ToLower(strings.TrimSpace(c.Driver)),
		Path:   strings.TrimSpace(c.Path),
	}
	if out.Driver == "" {
		out.Driver = DefaultStorageDriver
	}
	switch out.Driver {
	case "sqlite", "file":
	default:
		return Storage{}, fmt.Errorf("storage.driver: unknown driver %q", out.Driver)
	}
	if out.Path == "" {
		out.Path = DefaultStoragePath
	}
	var err error
	if out.BusyTimeout, err = durationDefault("storage.busy_timeout", c.BusyTimeout, DefaultBusyTimeout); err != nil {
		return Storage{}, err
	}
	return out, nil
}

// Ops is the resolved ops server section.
type Ops struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
	ReadTimeout   time.Duration
	IdleTimeout   time.Duration
}

func (c OpsConfig) Resolve() (Ops, error) {
	out := Ops{
		Enabled:       c.Enabled,
		Addr:          strings.TrimSpace(c.Addr),
		Token:         strings.TrimSpace(c.Token),
		AllowInsecure: c.AllowInsecure,
		Pprof:         c.Pprof,
	}
	if out.Addr == "" {
		out.Addr = DefaultOpsAddr
	}
	var err error
	if out.ReadTimeout, err = durationDefault("ops.read_timeout", c.ReadTimeout, 10*time.Second); err != nil {
		return Ops{}, err
	}
	if out.IdleTimeout, err = durationDefault("ops.idle_timeout", c.IdleTimeout, 60*time.Second); err != nil {
		return Ops{}, err
	}
	if out.Enabled {
		host, _, err := net.SplitHostPort(out.Addr)
		if err != nil {
			return Ops{}, fmt.Errorf("ops.addr: %w", err)
		}
		if !IsLoopbackHost(host) && out.Token == "" && !out.AllowInsecure {
			return Ops{}, errors.New("ops.addr: non-loopback address requires ops.token or ops.allow_insecure")
		}
	}
	return out, nil
}

// IsLoopbackHost reports whether host is localhost or a loopback IP.
func IsLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.Trim(host, "[]"))
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

// Validate resolves every section and returns the first error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if _, err := cfg.Session.Resolve(); err != nil {
		return err
	}
	if _, err := cfg.Delivery.Resolve(); err != nil {
		return err
	}
	if _, err := cfg.Storage.Resolve(); err != nil {
		return err
	}
	if _, err := cfg.Ops.Resolve(); err != nil {
		return err
	}
	return nil
}

func durationOr(path, raw string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return parseDuration(path, raw)
}
