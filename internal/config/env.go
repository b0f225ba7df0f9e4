package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Environment keys that override the JSON config. Values from the process
// environment win over values read from the .env file.
const (
	EnvSignalingURL    = "CALLCORE_SIGNALING_URL"
	EnvSignalingSecret = "CALLCORE_SIGNALING_SECRET"
	EnvUserID          = "CALLCORE_USER_ID"
	EnvLogLevel        = "CALLCORE_LOG_LEVEL"
)

// envPathFor returns the .env file that sits next to the config file.
func envPathFor(cfgPath string) string {
	return filepath.Join(filepath.Dir(cfgPath), ".env")
}

// ApplyEnv overlays CALLCORE_* settings onto cfg. A missing .env file is not
// an error.
func ApplyEnv(cfg *Config, envPath string) error {
	vals := map[string]string{}
	if envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			m, err := godotenv.Read(envPath)
			if err != nil {
				return err
			}
			vals = m
		} else if !os.IsNotExist(err) {
			return err
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return strings.TrimSpace(v), true
		}
		v, ok := vals[key]
		return strings.TrimSpace(v), ok
	}

	if v, ok := lookup(EnvSignalingURL); ok && v != "" {
		cfg.Signaling.URL = v
	}
	if v, ok := lookup(EnvSignalingSecret); ok {
		cfg.Signaling.TokenSecret = v
	}
	if v, ok := lookup(EnvUserID); ok && v != "" {
		cfg.Identity.UserID = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Log.Level = v
	}
	return nil
}
