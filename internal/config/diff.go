package config

import (
	"sort"
	"strings"

	logx "bookbot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (tokens) are reported only as *_set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	oSess, nSess := oldCfg.Session, newCfg.Session
	if oSess.Transport != nSess.Transport || oSess.DataDir != nSess.DataDir ||
		oSess.ReconnectDelay != nSess.ReconnectDelay || oSess.PollTimeout != nSess.PollTimeout ||
		oSess.MaxImageBytes != nSess.MaxImageBytes || oSess.MaxDocumentBytes != nSess.MaxDocumentBytes ||
		oSess.SendRatePerSec != nSess.SendRatePerSec || (oSess.Token != "") != (nSess.Token != "") {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.String("session.transport", nSess.Transport),
			logx.String("session.reconnect_delay", nSess.ReconnectDelay),
			logx.Int("session.send_rate_per_sec", nSess.SendRatePerSec),
			logx.Bool("session.token_set", strings.TrimSpace(nSess.Token) != ""),
		)
	}

	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.String("delivery.default_cron", newCfg.Delivery.DefaultCron),
			logx.String("delivery.between_messages", newCfg.Delivery.BetweenMessages),
			logx.String("delivery.after_send", newCfg.Delivery.AfterSend),
			logx.String("delivery.timezone", newCfg.Delivery.Timezone),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", newCfg.Storage.BusyTimeout),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.group_enabled", newCfg.Logging.Group.Enabled),
		)
	}

	oOps, nOps := oldCfg.Ops, newCfg.Ops
	if oOps.Enabled != nOps.Enabled || oOps.Addr != nOps.Addr || oOps.AllowInsecure != nOps.AllowInsecure ||
		oOps.Pprof != nOps.Pprof || oOps.ReadTimeout != nOps.ReadTimeout || oOps.IdleTimeout != nOps.IdleTimeout ||
		oOps.Token != nOps.Token {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", nOps.Enabled),
			logx.String("ops.addr", nOps.Addr),
			logx.Bool("ops.pprof", nOps.Pprof),
			logx.Bool("ops.token_set", strings.TrimSpace(nOps.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections in changed that only take effect on restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "session", "storage":
			out = append(out, s)
		}
	}
	return out
}
