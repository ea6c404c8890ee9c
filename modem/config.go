package modem

import (
	"time"

	"github.com/crosline/fleetd/at"
)

// Config carries construction-time settings for one Modem.
type Config struct {
	// DeviceID identifies the physical modem (from device pairing).
	DeviceID string
	// AudioPort is the audio device node paired with this control port.
	// Informational; the modem itself never touches it.
	AudioPort string
	// Dialer opens the control-port transport.
	Dialer Dialer
	// ATTimeout is the default timeout for AT command responses.
	ATTimeout time.Duration
	// DialTimeout bounds call setup.
	DialTimeout time.Duration
	// SendTimeout bounds the SMS body exchange with the network.
	SendTimeout time.Duration
	// StatusMaxAge is how stale cached status may become before the
	// monitor refreshes it opportunistically.
	StatusMaxAge time.Duration
}

func (c *Config) setDefaults() {
	if c.ATTimeout == 0 {
		c.ATTimeout = at.DefaultTimeout
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = at.DialTimeout
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = at.SendTimeout
	}
	if c.StatusMaxAge == 0 {
		c.StatusMaxAge = 30 * time.Second
	}
}

func (c *Config) validate() error {
	if c.Dialer == nil {
		return ErrNoDialer
	}
	return nil
}

// ConfigBuilder assembles a Config fluently.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (b *ConfigBuilder) WithDeviceID(id string) *ConfigBuilder {
	b.config.DeviceID = id
	return b
}

func (b *ConfigBuilder) WithAudioPort(port string) *ConfigBuilder {
	b.config.AudioPort = port
	return b
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.Dialer = d
	return b
}

func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.ATTimeout = d
	return b
}

func (b *ConfigBuilder) WithDialTimeout(d time.Duration) *ConfigBuilder {
	b.config.DialTimeout = d
	return b
}

func (b *ConfigBuilder) WithSendTimeout(d time.Duration) *ConfigBuilder {
	b.config.SendTimeout = d
	return b
}

func (b *ConfigBuilder) WithStatusMaxAge(d time.Duration) *ConfigBuilder {
	b.config.StatusMaxAge = d
	return b
}

func (b *ConfigBuilder) Build() (Config, error) {
	if err := b.config.validate(); err != nil {
		return Config{}, err
	}
	b.config.setDefaults()
	return b.config, nil
}
