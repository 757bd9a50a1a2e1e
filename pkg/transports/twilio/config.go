package twilio

import (
	"strings"
	"time"

	"github.com/harunnryd/outcall/pkg/configutil"
)

type Config struct {
	ServerAddr         string        `mapstructure:"server_addr"`
	PublicURL          string        `mapstructure:"public_url"`
	AuthToken          string        `mapstructure:"auth_token"`
	AccountSID         string        `mapstructure:"account_sid"`
	FromNumber         string        `mapstructure:"from_number"`
	VoicePath          string        `mapstructure:"voice_path"`
	WebsocketPath      string        `mapstructure:"ws_path"`
	StatusCallbackPath string        `mapstructure:"status_callback_path"`
	Language           string        `mapstructure:"language"`
	Voice              string        `mapstructure:"voice"`
	MachineDetection   string        `mapstructure:"machine_detection"`
	RingTimeout        time.Duration `mapstructure:"ring_timeout"`
	AllowAnyOrigin     bool          `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string      `mapstructure:"allowed_origins"`
}

var settingsSchema = configutil.Schema{
	Optional: []string{
		"server_addr", "public_url", "auth_token", "account_sid", "from_number",
		"voice_path", "ws_path", "status_callback_path", "language", "voice",
		"machine_detection", "ring_timeout", "allow_any_origin", "allowed_origins",
	},
}

// ConfigFromSettings decodes the transports.settings block.
func ConfigFromSettings(settings map[string]any) (Config, error) {
	var cfg Config
	if err := configutil.ValidateSettings("transports.settings", settings, settingsSchema); err != nil {
		return cfg, err
	}
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/twilio/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/twilio"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/twilio/status"
	}
	if c.Language == "" {
		c.Language = "it-IT"
	}
	if c.MachineDetection == "" {
		c.MachineDetection = "Enable"
	}
	if c.RingTimeout <= 0 {
		c.RingTimeout = 30 * time.Second
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

func (c Config) publicHost() string {
	return normalizePublicURL(c.PublicURL)
}

func (c Config) localAddr() string {
	addr := c.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return addr
}

func (c Config) httpURL(path string) string {
	if c.PublicURL != "" {
		return "https://" + c.publicHost() + path
	}
	return "http://" + c.localAddr() + path
}

func (c Config) streamURL() string {
	if c.PublicURL != "" {
		return "wss://" + c.publicHost() + c.WebsocketPath
	}
	return "ws://" + c.localAddr() + c.WebsocketPath
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}
