package app

import (
	"fmt"
	"path/filepath"
	"strings"

	"bookbot/internal/config"
	"bookbot/internal/cronspec"
	"bookbot/internal/delivery"
	"bookbot/internal/observability/ops"
	"bookbot/internal/session"
	"bookbot/internal/storage"
	"bookbot/internal/transport/telegram"
	logx "bookbot/pkg/logx"
)

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Group: logx.GroupConfig{
			Enabled:    cfg.Logging.Group.Enabled,
			MinLevel:   cfg.Logging.Group.MinLevel,
			RatePerSec: cfg.Logging.Group.RatePerSec,
		},
	}
}

func storageConfig(cfg *config.Config) (storage.Config, error) {
	sc, err := cfg.Storage.Resolve()
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: sc.Driver, Path: sc.Path, BusyTimeout: sc.BusyTimeout}, nil
}

func sessionConfig(cfg *config.Config) (session.Config, config.Session, error) {
	sc, err := cfg.Session.Resolve()
	if err != nil {
		return session.Config{}, config.Session{}, err
	}
	return session.Config{
		DataDir:          sc.DataDir,
		ReconnectDelay:   sc.ReconnectDelay,
		MaxImageBytes:    sc.MaxImageBytes,
		MaxDocumentBytes: sc.MaxDocumentBytes,
		SendRatePerSec:   sc.SendRatePerSec,
	}, sc, nil
}

func deliveryConfig(cfg *config.Config) (delivery.Config, config.Delivery, error) {
	dc, err := cfg.Delivery.Resolve()
	if err != nil {
		return delivery.Config{}, config.Delivery{}, err
	}
	return delivery.Config{
		DefaultCron:     dc.DefaultCron,
		BetweenMessages: dc.BetweenMessages,
		AfterSend:       dc.AfterSend,
		Location:        dc.Location,
	}, dc, nil
}

func opsConfig(cfg *config.Config) (ops.Config, error) {
	oc, err := cfg.Ops.Resolve()
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       oc.Enabled,
		Addr:          oc.Addr,
		Token:         oc.Token,
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		ReadTimeout:   oc.ReadTimeout,
		IdleTimeout:   oc.IdleTimeout,
	}, nil
}

func newTransport(sc config.Session, log logx.Logger) (session.Transport, error) {
	switch sc.Transport {
	case "telegram":
		return telegram.New(telegram.Config{Token: sc.Token, PollTimeout: sc.PollTimeout}, log)
	default:
		return nil, fmt.Errorf("session.transport: unsupported %q", sc.Transport)
	}
}

// validate is the reload validator: checks that need packages config
// cannot import.
func validate(cfg *config.Config) error {
	dc, err := cfg.Delivery.Resolve()
	if err != nil {
		return err
	}
	if _, err := cronspec.Parse(dc.DefaultCron); err != nil {
		return fmt.Errorf("delivery.default_cron: %w", err)
	}
	sc, err := cfg.Session.Resolve()
	if err != nil {
		return err
	}
	if sc.Transport != "telegram" {
		return fmt.Errorf("session.transport: unsupported %q", sc.Transport)
	}
	// The credentials directory is removed wholesale on auth failure.
	st, err := cfg.Storage.Resolve()
	if err != nil {
		return err
	}
	if within(sc.DataDir, st.Path) {
		return fmt.Errorf("session.data_dir %q contains storage.path %q", sc.DataDir, st.Path)
	}
	if cfg.Logging.File.Enabled && within(sc.DataDir, cfg.Logging.File.Path) {
		return fmt.Errorf("session.data_dir %q contains logging.file.path %q", sc.DataDir, cfg.Logging.File.Path)
	}
	return nil
}

// within reports whether path is dir itself or lies below it.
func within(dir, path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	d, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	p, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(d, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
