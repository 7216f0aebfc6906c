package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parseDuration reads a duration value from the config field at path, for
// example "delivery.between_messages". Values use Go duration syntax ("2s",
// "1m30s"); a bare integer is taken as seconds. Empty means zero.
func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("config %s: negative duration %q", path, raw)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config %s: %q is not a duration (use e.g. \"2s\" or \"1m30s\")", path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("config %s: negative duration %q", path, raw)
	}
	return d, nil
}

// durationDefault is parseDuration with def substituted for empty or zero
// values. Timeouts such as session.poll_timeout use it; an explicit zero
// there would disable the timeout.
func durationDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := parseDuration(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
