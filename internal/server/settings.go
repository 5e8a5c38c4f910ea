package server

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/kingrea/council/internal/config"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8765
	// DefaultMaxBodyBytes fits a long pitch deck pasted into /api/evaluations.
	DefaultMaxBodyBytes = 1 << 20
	DefaultReadTimeout  = 15 * time.Second
	DefaultIdleTimeout  = 60 * time.Second
	// DefaultPingInterval keeps idle event sockets alive through proxies
	// while advisors think between rounds.
	DefaultPingInterval = 30 * time.Second
)

// Settings controls the listener and the fiber app.
//
// There is no write timeout: an event socket stays open for as long as the
// conversation is being watched.
type Settings struct {
	Enabled      bool
	Host         string
	Port         int
	MaxBodyBytes int
	ReadTimeout  time.Duration
	IdleTimeout  time.Duration
	// PingInterval is how often event sockets are pinged. Zero disables
	// pings.
	PingInterval time.Duration
}

// DefaultSettings returns an enabled loopback configuration.
func DefaultSettings() Settings {
	return Settings{
		Enabled:      true,
		Host:         DefaultHost,
		Port:         DefaultPort,
		MaxBodyBytes: DefaultMaxBodyBytes,
		ReadTimeout:  DefaultReadTimeout,
		IdleTimeout:  DefaultIdleTimeout,
		PingInterval: DefaultPingInterval,
	}
}

// SettingsFromConfig layers the `server:` block of .council/config.yaml and
// then COUNCIL_SERVER_* variables over DefaultSettings.
func SettingsFromConfig(cfg *config.Config) Settings {
	settings := DefaultSettings()
	if cfg != nil {
		settings.merge(cfg.Project.Server)
	}
	for name, apply := range envOverrides {
		if value := strings.TrimSpace(os.Getenv(name)); value != "" {
			apply(&settings, value)
		}
	}
	settings.normalize()
	return settings
}

func (s *Settings) merge(raw config.ServerConfig) {
	if raw.Enabled != nil {
		s.Enabled = *raw.Enabled
	}
	s.Host = firstNonBlank(raw.Host, s.Host)
	if isValidPort(raw.Port) {
		s.Port = raw.Port
	}
}

// envOverrides maps each supported variable to its setter. Unparseable
// values are ignored.
var envOverrides = map[string]func(*Settings, string){
	"COUNCIL_SERVER_ENABLED": func(s *Settings, v string) {
		if enabled, err := strconv.ParseBool(v); err == nil {
			s.Enabled = enabled
		}
	},
	"COUNCIL_SERVER_HOST": func(s *Settings, v string) {
		s.Host = v
	},
	"COUNCIL_SERVER_PORT": func(s *Settings, v string) {
		if port, err := strconv.Atoi(v); err == nil && isValidPort(port) {
			s.Port = port
		}
	},
	"COUNCIL_SERVER_PING_INTERVAL": func(s *Settings, v string) {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			s.PingInterval = d
		}
	},
}

func (s *Settings) normalize() {
	def := DefaultSettings()
	s.Host = firstNonBlank(s.Host, def.Host)
	if !isValidPort(s.Port) {
		s.Port = def.Port
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = def.MaxBodyBytes
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = def.ReadTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = def.IdleTimeout
	}
	if s.PingInterval < 0 {
		s.PingInterval = 0
	}
}

// fiberConfig translates the settings into the fiber app configuration.
func (s Settings) fiberConfig(errorHandler fiber.ErrorHandler) fiber.Config {
	return fiber.Config{
		AppName:               "council",
		BodyLimit:             s.MaxBodyBytes,
		ReadTimeout:           s.ReadTimeout,
		IdleTimeout:           s.IdleTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	}
}

// Address returns host:port.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s Settings) URL() string {
	return "http://" + s.Address()
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func isValidPort(port int) bool {
	return port > 0 && port <= 65535
}
