package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/callcore/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Signaling Signaling `json:"signaling"`
	ICE       ICE       `json:"ice"`
	Call      Call      `json:"call"`
	Media     Media     `json:"media"`
	Records   Records   `json:"records"`
	Control   Control   `json:"control"`
	Log       Log       `json:"log"`
}

type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type Signaling struct {
	// WebSocket endpoint of the relay, e.g. "wss://relay.example.org/ws".
	URL string `json:"url"`

	// Shared HS256 secret used to mint relay tokens. Empty means the relay
	// accepts unauthenticated connections and no token is sent.
	TokenSecret string `json:"token_secret"`
	TokenTTLSec int    `json:"token_ttl_seconds"`

	HandshakeTimeoutSec int   `json:"handshake_timeout_seconds"`
	WriteTimeoutSec     int   `json:"write_timeout_seconds"`
	PingIntervalSec     int   `json:"ping_interval_seconds"`
	MaxMessageBytes     int64 `json:"max_message_bytes"`
}

type ICE struct {
	Servers []ICEServer `json:"servers"`

	// Pion ICE agent timeouts. Generous defaults so a short relay outage does
	// not drop an otherwise healthy call.
	DisconnectedTimeoutSec int `json:"disconnected_timeout_seconds"`
	FailedTimeoutSec       int `json:"failed_timeout_seconds"`
	KeepAliveIntervalSec   int `json:"keepalive_interval_seconds"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Call struct {
	// How long an outgoing call waits in Calling (and an incoming one in
	// Ringing) before it is abandoned as unanswered.
	RingTimeoutSec int `json:"ring_timeout_seconds"`

	// Upper bound for the best-effort call record update on hangup.
	RecordTimeoutSec int `json:"record_timeout_seconds"`
}

type Media struct {
	// "devices" captures camera and microphone; "static" opens silent tracks
	// for headless hosts.
	Source       string `json:"source"`
	MaxWidth     int    `json:"max_width"`
	MaxHeight    int    `json:"max_height"`
	VideoBitRate int    `json:"video_bitrate"`
}

type Records struct {
	// SQLite database for call records, relative to the config directory.
	// Empty disables persistence.
	DBPath string `json:"db_path"`
}

type Control struct {
	// Local control API address. Empty disables the HTTP surface.
	HTTPAddr       string   `json:"http_addr"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type Log struct {
	Level       string `json:"level"`
	BufferLines int    `json:"buffer_lines"`
}

func Default() Config {
	return Config{
		Signaling: Signaling{
			URL:                 "ws://127.0.0.1:8790/ws",
			TokenTTLSec:         60,
			HandshakeTimeoutSec: 10,
			WriteTimeoutSec:     5,
			PingIntervalSec:     20,
			MaxMessageBytes:     64 << 10,
		},
		ICE: ICE{
			Servers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
			DisconnectedTimeoutSec: 30,
			FailedTimeoutSec:       120,
			KeepAliveIntervalSec:   2,
		},
		Call: Call{
			RingTimeoutSec:   45,
			RecordTimeoutSec: 5,
		},
		Media: Media{
			Source:       "devices",
			MaxWidth:     640,
			MaxHeight:    480,
			VideoBitRate: 1_500_000,
		},
		Records: Records{
			DBPath: "data/calls.db",
		},
		Control: Control{
			HTTPAddr: "127.0.0.1:8791",
		},
		Log: Log{
			Level:       "info",
			BufferLines: 500,
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}

	// Signaling
	if err := validateSignalingURL(c.Signaling.URL); err != nil {
		return fmt.Errorf("signaling.url: %w", err)
	}
	if c.Signaling.TokenSecret != "" && c.Signaling.TokenTTLSec <= 0 {
		return errors.New("signaling.token_ttl_seconds must be > 0 when token_secret is set")
	}
	if c.Signaling.HandshakeTimeoutSec <= 0 {
		return errors.New("signaling.handshake_timeout_seconds must be > 0")
	}
	if c.Signaling.WriteTimeoutSec <= 0 {
		return errors.New("signaling.write_timeout_seconds must be > 0")
	}
	if c.Signaling.PingIntervalSec < 0 {
		return errors.New("signaling.ping_interval_seconds must be >= 0")
	}
	if c.Signaling.MaxMessageBytes < 1024 {
		return errors.New("signaling.max_message_bytes must be >= 1024")
	}

	// ICE
	for i, s := range c.ICE.Servers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice.servers[%d].urls is required", i)
		}
		for _, u := range s.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return fmt.Errorf("ice.servers[%d]: unsupported url %q", i, u)
			}
		}
	}
	if c.ICE.DisconnectedTimeoutSec <= 0 || c.ICE.FailedTimeoutSec <= 0 || c.ICE.KeepAliveIntervalSec <= 0 {
		return errors.New("ice timeouts must be > 0")
	}
	if c.ICE.FailedTimeoutSec < c.ICE.DisconnectedTimeoutSec {
		return errors.New("ice.failed_timeout_seconds must be >= ice.disconnected_timeout_seconds")
	}

	// Call
	if c.Call.RingTimeoutSec < 5 || c.Call.RingTimeoutSec > 600 {
		return errors.New("call.ring_timeout_seconds must be 5..600")
	}
	if c.Call.RecordTimeoutSec <= 0 {
		return errors.New("call.record_timeout_seconds must be > 0")
	}

	// Media
	if c.Media.Source != "devices" && c.Media.Source != "static" {
		return errors.New("media.source must be devices or static")
	}
	if c.Media.MaxWidth <= 0 || c.Media.MaxHeight <= 0 {
		return errors.New("media.max_width and media.max_height must be > 0")
	}
	if c.Media.VideoBitRate < 100_000 {
		return errors.New("media.video_bitrate must be >= 100000")
	}

	// Log
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level)
	}

	return nil
}

func validateSignalingURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// HandshakeTimeout and friends convert the second-based JSON fields.
func (s Signaling) HandshakeTimeout() time.Duration {
	return time.Duration(s.HandshakeTimeoutSec) * time.Second
}

func (s Signaling) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSec) * time.Second
}

func (s Signaling) PingInterval() time.Duration {
	return time.Duration(s.PingIntervalSec) * time.Second
}

func (s Signaling) TokenTTL() time.Duration {
	return time.Duration(s.TokenTTLSec) * time.Second
}

func (c Call) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutSec) * time.Second
}

func (c Call) RecordTimeout() time.Duration {
	return time.Duration(c.RecordTimeoutSec) * time.Second
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file and applies the env overlay without
// validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := ApplyEnv(&cfg, envPathFor(path)); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// for userID. Returns (cfg, createdNew, err).
func Ensure(path, userID string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.UserID = userID
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}

	// The overlay is applied after saving so secrets from .env never land
	// in the JSON file.
	if err := ApplyEnv(&cfg, envPathFor(path)); err != nil {
		return Config{}, false, err
	}
	return cfg, true, nil
}
