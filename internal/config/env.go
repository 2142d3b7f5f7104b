package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const EnvPrefix = "REMINDERD_"

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides config fields from REMINDERD_* variables. Secrets
// (DSN, bot token) are usually supplied this way.
func ApplyEnv(c *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	if v, ok := get("STORAGE_DRIVER"); ok {
		c.Storage.Driver = v
	}
	if v, ok := get("STORAGE_DSN"); ok {
		c.Storage.DSN = v
	}
	if v, ok := get("NOTIFIER_DRIVER"); ok {
		c.Notifier.Driver = v
	}
	if v, ok := get("TELEGRAM_TOKEN"); ok {
		c.Notifier.Telegram.Token = v
	}
	if v, ok := get("HTTP_ADDR"); ok {
		c.HTTP.Addr = v
	}
	if v, ok := get("HABITS_FILE"); ok {
		c.Habits.File = v
	}
	if v, ok := get("WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("%sWORKERS: invalid value %q", EnvPrefix, v)
		}
		c.Engine.Workers = n
	}
	if v, ok := get("POLL_INTERVAL"); ok {
		d, err := ParseDurationField(EnvPrefix+"POLL_INTERVAL", v)
		if err != nil {
			return err
		}
		c.Scheduler.PollInterval = Duration(d)
	}
	return nil
}
