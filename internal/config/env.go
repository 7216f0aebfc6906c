package config

import (
	"errors"
	"io/fs"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides. Secrets belong here rather than in the config file.
const (
	EnvToken        = "BOOKBOT_TOKEN"
	EnvCronSchedule = "BOOKBOT_CRON_SCHEDULE"
	EnvDestination  = "BOOKBOT_GROUP_ID"
	EnvOpsToken     = "BOOKBOT_OPS_TOKEN"
	EnvLogLevel     = "BOOKBOT_LOG_LEVEL"
	EnvStoragePath  = "BOOKBOT_STORAGE_PATH"
	EnvSendRate     = "BOOKBOT_SEND_RATE_PER_SEC"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Variables that are already set win. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv overlays environment values on cfg. lookup is os.LookupEnv in
// production and a map in tests.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil || lookup == nil {
		return
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str(EnvToken, &cfg.Session.Token)
	str(EnvCronSchedule, &cfg.Delivery.DefaultCron)
	str(EnvDestination, &cfg.Delivery.Destination)
	str(EnvOpsToken, &cfg.Ops.Token)
	str(EnvLogLevel, &cfg.Logging.Level)
	str(EnvStoragePath, &cfg.Storage.Path)

	if v, ok := lookup(EnvSendRate); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.Session.SendRatePerSec = n
		}
	}
}
