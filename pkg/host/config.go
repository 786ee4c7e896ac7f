// Package host implements the host side of the flashline protocol: a client
// that sequences requests over a serial link, image construction helpers,
// and configuration for the CLI and the device simulator.
package host

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/flashline-dev/flashline/internal/protocol"
)

// Config holds all configuration for the flashline tools.
type Config struct {
	Serial  SerialConfig  `mapstructure:"serial"`
	Link    LinkConfig    `mapstructure:"link"`
	Logging LoggingConfig `mapstructure:"logging"`
	Sim     SimConfig     `mapstructure:"sim"`
}

// SerialConfig defines the serial port settings.
type SerialConfig struct {
	Port string `mapstructure:"port"`
	Baud int    `mapstructure:"baud"`
}

// LinkConfig defines protocol-level link behavior.
type LinkConfig struct {
	// Retries is how many times an exchange is repeated after a line NAK
	// before giving up.
	Retries int `mapstructure:"retries"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SimConfig defines the simulated device geometry and persistence.
type SimConfig struct {
	StatePath     string `mapstructure:"state_path"`
	SettingsMax   uint32 `mapstructure:"settings_max"`
	DataChunkSize uint32 `mapstructure:"data_chunk_size"`
	FlashSize     uint32 `mapstructure:"flash_size"`
	AppBase       uint32 `mapstructure:"app_base"`
	ReadMax       uint32 `mapstructure:"read_max"`
}

// Parameters converts the simulator geometry into protocol parameters.
func (s SimConfig) Parameters() protocol.Parameters {
	return protocol.Parameters{
		SettingsMax:     s.SettingsMax,
		DataChunkSize:   s.DataChunkSize,
		ValidFlashRange: protocol.Range{Lo: 0, Hi: s.FlashSize},
		ValidAppRange:   protocol.Range{Lo: s.AppBase, Hi: s.FlashSize},
		ReadMax:         s.ReadMax,
	}
}

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("flashline")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/flashline")
	}

	v.SetEnvPrefix("FLASHLINE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, the defaults stand.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("serial.port", "/dev/ttyACM0")
	v.SetDefault("serial.baud", 115200)

	v.SetDefault("link.retries", 3)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	// Default geometry matches the reference STM32G031 part:
	// 0-16KiB bootloader+settings, 16-64KiB application.
	v.SetDefault("sim.state_path", "")
	v.SetDefault("sim.settings_max", 2*1024-4)
	v.SetDefault("sim.data_chunk_size", 2*1024)
	v.SetDefault("sim.flash_size", 64*1024)
	v.SetDefault("sim.app_base", 16*1024)
	v.SetDefault("sim.read_max", 2*1024)
}
