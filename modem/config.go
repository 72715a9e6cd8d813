package modem

import (
	"log/slog"
	"time"

	"i4.energy/across/espgw/at"
)

// Config holds the settings of a Modem. Build it with NewConfigBuilder.
type Config struct {
	dialer       Dialer
	atTimeout    time.Duration
	initTimeout  time.Duration
	eventBuffer  int
	maxTokenSize int
	logger       *slog.Logger
}

func (c *Config) validate() error {
	if c.dialer == nil {
		return ErrNoDialer
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.atTimeout == 0 {
		c.atTimeout = 5 * time.Second
	}
	if c.initTimeout == 0 {
		c.initTimeout = 30 * time.Second
	}
	if c.eventBuffer <= 0 {
		c.eventBuffer = 64
	}
	if minSize := at.MaxFrameHeader + at.MaxFramePayload; c.maxTokenSize < minSize {
		c.maxTokenSize = 2 * minSize
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
}

// ConfigBuilder assembles a Config.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

// WithDialer sets how the transport is opened. Required.
func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.dialer = d
	return b
}

// WithATTimeout sets the timeout of commands that do not carry their own.
func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.atTimeout = d
	return b
}

// WithInitTimeout bounds the handshake performed by New.
func (b *ConfigBuilder) WithInitTimeout(d time.Duration) *ConfigBuilder {
	b.config.initTimeout = d
	return b
}

// WithEventBuffer sets how many notifications may wait for dispatch
// before the loop stops reading.
func (b *ConfigBuilder) WithEventBuffer(n int) *ConfigBuilder {
	b.config.eventBuffer = n
	return b
}

// WithMaxTokenSize caps a single line or data frame. Values below what a
// full data frame needs are raised.
func (b *ConfigBuilder) WithMaxTokenSize(n int) *ConfigBuilder {
	b.config.maxTokenSize = n
	return b
}

func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.config.logger = l
	return b
}

func (b *ConfigBuilder) Build() (Config, error) {
	if err := b.config.validate(); err != nil {
		return Config{}, err
	}
	c := b.config
	c.setDefaults()
	return c, nil
}
