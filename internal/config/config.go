// Package config loads the bridge configuration from defaults, an optional
// YAML file and DEBUG_BRIDGE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vajrock/mcp-debug-bridge/internal/establish"
	"github.com/vajrock/mcp-debug-bridge/internal/jdwp"
	"github.com/vajrock/mcp-debug-bridge/internal/logging"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "DEBUG_BRIDGE"

// Transports accepted by gateway.transport.
const (
	TransportStdio     = "stdio"
	TransportTCP       = "tcp"
	TransportWebSocket = "ws"
)

// Config holds application configuration.
type Config struct {
	Log       LogConfig                        `mapstructure:"log"`
	Gateway   GatewayConfig                    `mapstructure:"gateway"`
	Session   SessionConfig                    `mapstructure:"session"`
	Establish EstablishConfig                  `mapstructure:"establish"`
	Discovery DiscoveryConfig                  `mapstructure:"discovery"`
	Adapters  map[string][]establish.Candidate `mapstructure:"adapters"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type GatewayConfig struct {
	Transport             string `mapstructure:"transport"`
	Listen                string `mapstructure:"listen"`
	AuthToken             string `mapstructure:"authToken"`
	TerminateOnDisconnect bool   `mapstructure:"terminateOnDisconnect"`
}

type SessionConfig struct {
	CallTimeout  time.Duration `mapstructure:"callTimeout"`
	SetupTimeout time.Duration `mapstructure:"setupTimeout"`
	MaxSessions  int           `mapstructure:"maxSessions"`
}

type EstablishConfig struct {
	AttemptTimeout   time.Duration `mapstructure:"attemptTimeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshakeTimeout"`
	InitialBackoff   time.Duration `mapstructure:"initialBackoff"`
	Retries          uint64        `mapstructure:"retries"`
}

type DiscoveryConfig struct {
	Host    string        `mapstructure:"host"`
	Ports   []int         `mapstructure:"ports"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Gateway: GatewayConfig{
			Transport:             TransportStdio,
			Listen:                "127.0.0.1:4711",
			TerminateOnDisconnect: true,
		},
		Session: SessionConfig{
			CallTimeout:  30 * time.Second,
			SetupTimeout: 30 * time.Second,
		},
		Establish: EstablishConfig{
			AttemptTimeout:   10 * time.Second,
			HandshakeTimeout: 2 * time.Second,
			InitialBackoff:   200 * time.Millisecond,
			Retries:          2,
		},
		Discovery: DiscoveryConfig{
			Host:    "127.0.0.1",
			Ports:   slices.Clone(jdwp.DefaultPorts),
			Timeout: 2 * time.Second,
		},
	}
}

// Load reads configuration. With an empty path the usual locations are
// searched and a missing file is not an error; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mcp-debug-bridge")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/mcp-debug-bridge/")
		if configDir, dirErr := os.UserConfigDir(); dirErr == nil {
			v.AddConfigPath(filepath.Join(configDir, "mcp-debug-bridge"))
		}
		if home, homeErr := os.UserHomeDir(); homeErr == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("gateway.authToken", EnvPrefix+"_GATEWAY_AUTH_TOKEN", EnvPrefix+"_AUTH_TOKEN")
	_ = v.BindEnv("log.level", EnvPrefix+"_LOG_LEVEL")

	cfg := Default()
	setDefaults(v, cfg)

	if readErr := v.ReadInConfig(); readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("reading config: %w", readErr)
		}
		// A home-directory dotfile is accepted too.
		if home, homeErr := os.UserHomeDir(); homeErr == nil {
			dotfile := filepath.Join(home, ".mcp-debug-bridge.yaml")
			if _, statErr := os.Stat(dotfile); statErr == nil {
				v.SetConfigFile(dotfile)
				if dotErr := v.ReadInConfig(); dotErr != nil {
					return nil, fmt.Errorf("reading config: %w", dotErr)
				}
			}
		}
	}

	if unmarshalErr := v.Unmarshal(cfg); unmarshalErr != nil {
		return nil, fmt.Errorf("decoding config: %w", unmarshalErr)
	}
	if validateErr := cfg.Validate(); validateErr != nil {
		return nil, validateErr
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("gateway.transport", cfg.Gateway.Transport)
	v.SetDefault("gateway.listen", cfg.Gateway.Listen)
	v.SetDefault("gateway.authToken", cfg.Gateway.AuthToken)
	v.SetDefault("gateway.terminateOnDisconnect", cfg.Gateway.TerminateOnDisconnect)
	v.SetDefault("session.callTimeout", cfg.Session.CallTimeout)
	v.SetDefault("session.setupTimeout", cfg.Session.SetupTimeout)
	v.SetDefault("session.maxSessions", cfg.Session.MaxSessions)
	v.SetDefault("establish.attemptTimeout", cfg.Establish.AttemptTimeout)
	v.SetDefault("establish.handshakeTimeout", cfg.Establish.HandshakeTimeout)
	v.SetDefault("establish.initialBackoff", cfg.Establish.InitialBackoff)
	v.SetDefault("establish.retries", cfg.Establish.Retries)
	v.SetDefault("discovery.host", cfg.Discovery.Host)
	v.SetDefault("discovery.ports", cfg.Discovery.Ports)
	v.SetDefault("discovery.timeout", cfg.Discovery.Timeout)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, levelErr := logging.ParseLevel(c.Log.Level); levelErr != nil {
		return fmt.Errorf("log.level: %w", levelErr)
	}
	switch c.Gateway.Transport {
	case TransportStdio:
	case TransportTCP, TransportWebSocket:
		if c.Gateway.Listen == "" {
			return fmt.Errorf("gateway.listen is required for the %s transport", c.Gateway.Transport)
		}
	default:
		return fmt.Errorf("gateway.transport: unknown transport %q (expected stdio, tcp or ws)", c.Gateway.Transport)
	}
	if c.Session.MaxSessions < 0 {
		return errors.New("session.maxSessions must not be negative")
	}
	if _, registryErr := establish.NewRegistry(c.Adapters); registryErr != nil {
		return fmt.Errorf("adapters: %w", registryErr)
	}
	return nil
}
