package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/wallgrid/wallgrid/pkg/telemetry"
	"github.com/wallgrid/wallgrid/pkg/webrtcext"
	"gopkg.in/yaml.v3"
)

// Hub configuration.
type Config struct {
	// Hub endpoint configuration.
	Hub HubConfig `yaml:"hub"`
	// WebRTC configuration shared with broadcaster agents.
	WebRTC webrtcext.Config `yaml:"webrtc"`
	// Tracing configuration.
	Telemetry telemetry.Config `yaml:"telemetry"`
	// Starting from which level to log stuff.
	LogLevel string `yaml:"log"`
}

type HubConfig struct {
	// TCP port for the websocket endpoint and the admin console.
	Port int `yaml:"port"`
	// Seconds a disconnected viewer record survives before collection.
	// Zero disables collection.
	StaleTTLSeconds int `yaml:"staleTtlSeconds"`
	// Directory with the admin console assets; empty disables serving them.
	StaticDir string `yaml:"staticDir"`
}

const (
	DefaultPort            = 3000
	DefaultStaleTTLSeconds = 1800
)

// Default returns the configuration used when no file and no environment
// variable is provided.
func Default() *Config {
	return &Config{
		Hub: HubConfig{
			Port:            DefaultPort,
			StaleTTLSeconds: DefaultStaleTTLSeconds,
		},
	}
}

// ErrNoConfigEnvVar is returned when the CONFIG environment variable is not set.
var ErrNoConfigEnvVar = errors.New("environment variable not set or invalid")

// Tries to load a config from the `CONFIG` environment variable.
// If the environment variable is not set, tries to load a config from the
// provided path to the config file (YAML). An empty path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	config, err := LoadConfigFromEnv()
	if err != nil {
		if !errors.Is(err, ErrNoConfigEnvVar) {
			return nil, err
		}
		if path == "" {
			return Default(), nil
		}
		return LoadConfigFromPath(path)
	}

	return config, nil
}

// Tries to load the config from environment variable (`CONFIG`).
func LoadConfigFromEnv() (*Config, error) {
	configEnv := os.Getenv("CONFIG")
	if configEnv == "" {
		return nil, ErrNoConfigEnvVar
	}

	return LoadConfigFromString(configEnv)
}

// Tries to load a config from the provided path.
func LoadConfigFromPath(path string) (*Config, error) {
	logrus.WithField("path", path).Info("loading config")

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return LoadConfigFromString(string(file))
}

// Load config from the provided string.
// Returns an error if the string is not a valid YAML.
func LoadConfigFromString(configString string) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal([]byte(configString), config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML file: %w", err)
	}

	if config.Hub.Port <= 0 || config.Hub.Port > 65535 || config.Hub.StaleTTLSeconds < 0 {
		return nil, errors.New("invalid config values")
	}

	return config, nil
}
