package config

type Config struct {
	Session  SessionConfig  `json:"session"`
	Delivery DeliveryConfig `json:"delivery"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
	Ops      OpsConfig      `json:"ops,omitempty"`
}

// SessionConfig controls the messaging session.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - transport: "telegram"
//   - data_dir: "./.bookbot_auth"
//   - reconnect_delay: "5s"
//   - max_image_bytes: 16 MiB
//   - max_document_bytes: 64 MiB
//   - send_rate_per_sec: 1
type SessionConfig struct {
	Transport string `json:"transport,omitempty"`
	// Token is a secret (do not log). BOOKBOT_TOKEN overrides it.
	Token            string `json:"token,omitempty"`
	DataDir          string `json:"data_dir,omitempty"`
	ReconnectDelay   string `json:"reconnect_delay,omitempty"`
	PollTimeout      string `json:"poll_timeout,omitempty"`
	MaxImageBytes    int64  `json:"max_image_bytes,omitempty"`
	MaxDocumentBytes int64  `json:"max_document_bytes,omitempty"`
	SendRatePerSec   int    `json:"send_rate_per_sec,omitempty"`
}

// DeliveryConfig controls the delivery orchestrator.
//
// default_cron is used when neither the caller nor the cron_schedule setting
// provides an expression. BOOKBOT_CRON_SCHEDULE overrides it.
type DeliveryConfig struct {
	DefaultCron     string `json:"default_cron,omitempty"`     // default: "0 9 * * *"
	BetweenMessages string `json:"between_messages,omitempty"` // default: "3s"
	AfterSend       string `json:"after_send,omitempty"`       // default: "2s"
	Timezone        string `json:"timezone,omitempty"`         // default: Local
	DrainTimeout    string `json:"drain_timeout,omitempty"`    // default: "30s"
	// Destination seeds the group_id setting when it is not set yet.
	Destination string `json:"destination,omitempty"`
}

// StorageConfig controls the item store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/bookbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Group   LoggingGroup `json:"group"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingGroup mirrors warnings into the delivery group chat.
type LoggingGroup struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// OpsConfig controls the optional ops HTTP server (/metrics, /healthz, /debug/pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - A non-loopback address requires a token or allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}
