package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// BindAddress is the address the diagnostics server listens on
	BindAddress string `yaml:"bind_address"`
	// BackendURL is the base URL of the AI platform
	BackendURL string `yaml:"backend_url"`
	// BaudRate is the baud rate for serial communication with the modems
	BaudRate int `yaml:"baud_rate"`
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string `yaml:"log_level"`
	// ScanInterval is how often USB devices are re-enumerated
	ScanInterval time.Duration `yaml:"scan_interval"`
	// SMSPollInterval is how often modem message storage is drained
	SMSPollInterval time.Duration `yaml:"sms_poll_interval"`
	// ATTimeout bounds ordinary AT command responses
	ATTimeout time.Duration `yaml:"at_timeout"`
	// DialTimeout bounds call setup and the SMS body exchange
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// AudioSampleRate is the DSP pipeline's working rate in Hz
	AudioSampleRate int `yaml:"audio_sample_rate"`
	// AudioChunkSize is the number of samples processed per chunk
	AudioChunkSize int `yaml:"audio_chunk_size"`
	// NoiseReduction is the spectral subtraction strength, 0..1
	NoiseReduction float64 `yaml:"noise_reduction"`
	// VADAggressiveness tunes voice detection, 0..3
	VADAggressiveness int `yaml:"vad_aggressiveness"`
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.BackendURL = "http://localhost:8000"
		c.BaudRate = 115200
		c.LogLevel = "info"
		c.ScanInterval = 10 * time.Second
		c.SMSPollInterval = 15 * time.Second
		c.ATTimeout = 5 * time.Second
		c.DialTimeout = 30 * time.Second
		c.AudioSampleRate = 8000
		c.AudioChunkSize = 960
		c.NoiseReduction = 0.7
		c.VADAggressiveness = 1
		return nil
	}
}

// WithFile loads configuration from a YAML file. An empty path is a
// no-op so the flag can stay optional.
func WithFile(path string) ConfigOption {
	return func(c *Config) error {
		if path == "" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing config file %s: %w", path, err)
		}
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if addr := os.Getenv("FLEETD_BIND_ADDRESS"); addr != "" {
			c.BindAddress = addr
		}

		if url := os.Getenv("FLEETD_BACKEND_URL"); url != "" {
			c.BackendURL = url
		}

		if baud := os.Getenv("FLEETD_BAUD_RATE"); baud != "" {
			if b, err := strconv.Atoi(baud); err == nil {
				c.BaudRate = b
			}
		}

		if level := os.Getenv("FLEETD_LOG_LEVEL"); level != "" {
			c.LogLevel = level
		}

		if scan := os.Getenv("FLEETD_SCAN_INTERVAL"); scan != "" {
			if d, err := time.ParseDuration(scan); err == nil {
				c.ScanInterval = d
			}
		}

		if poll := os.Getenv("FLEETD_SMS_POLL_INTERVAL"); poll != "" {
			if d, err := time.ParseDuration(poll); err == nil {
				c.SMSPollInterval = d
			}
		}

		if at := os.Getenv("FLEETD_AT_TIMEOUT"); at != "" {
			if d, err := time.ParseDuration(at); err == nil {
				c.ATTimeout = d
			}
		}

		if dial := os.Getenv("FLEETD_DIAL_TIMEOUT"); dial != "" {
			if d, err := time.ParseDuration(dial); err == nil {
				c.DialTimeout = d
			}
		}

		if chunk := os.Getenv("FLEETD_AUDIO_CHUNK_SIZE"); chunk != "" {
			if n, err := strconv.Atoi(chunk); err == nil {
				c.AudioChunkSize = n
			}
		}

		return nil
	}
}

// WithFlags loads configuration from command-line flags
func WithFlags(fSet *flag.FlagSet) ConfigOption {
	return func(c *Config) error {
		fSet.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "bind-address":
				c.BindAddress = f.Value.String()
			case "backend-url":
				c.BackendURL = f.Value.String()
			case "baud-rate":
				if b, err := strconv.Atoi(f.Value.String()); err == nil {
					c.BaudRate = b
				}
			case "log-level":
				c.LogLevel = f.Value.String()
			case "scan-interval":
				if d, err := time.ParseDuration(f.Value.String()); err == nil {
					c.ScanInterval = d
				}
			case "sms-poll-interval":
				if d, err := time.ParseDuration(f.Value.String()); err == nil {
					c.SMSPollInterval = d
				}
			case "at-timeout":
				if d, err := time.ParseDuration(f.Value.String()); err == nil {
					c.ATTimeout = d
				}
			case "dial-timeout":
				if d, err := time.ParseDuration(f.Value.String()); err == nil {
					c.DialTimeout = d
				}
			case "audio-chunk-size":
				if n, err := strconv.Atoi(f.Value.String()); err == nil {
					c.AudioChunkSize = n
				}
			}
		})
		return nil
	}
}
