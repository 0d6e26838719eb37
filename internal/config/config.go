// Package config is used to load the configuration file
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v8"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Defaults.
const EnvPrefix = "LOMUX_"

type muxer struct {
	Host            string        `json:"host" mapstructure:"host" env:"HOST" envDefault:"127.0.0.1"`
	Port            int           `json:"port" mapstructure:"port" env:"PORT" envDefault:"27015"`
	ReadTimeout     time.Duration `json:"read_timeout" mapstructure:"read_timeout" env:"READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `json:"write_timeout" mapstructure:"write_timeout" env:"WRITE_TIMEOUT" envDefault:"10s"`
	AcceptBackoff   time.Duration `json:"accept_backoff" mapstructure:"accept_backoff" env:"ACCEPT_BACKOFF" envDefault:"5ms"`
	RebindBackoff   time.Duration `json:"rebind_backoff" mapstructure:"rebind_backoff" env:"REBIND_BACKOFF" envDefault:"50ms"`
	RebindThreshold int           `json:"rebind_threshold" mapstructure:"rebind_threshold" env:"REBIND_THRESHOLD" envDefault:"50"`
}

type device struct {
	Address          string        `json:"address" mapstructure:"address" env:"ADDRESS" envDefault:"10.7.0.1"`
	Timeout          time.Duration `json:"timeout" mapstructure:"timeout" env:"TIMEOUT" envDefault:"5s"`
	Heartbeat        bool          `json:"heartbeat" mapstructure:"heartbeat" env:"HEARTBEAT" envDefault:"true"`
	HeartbeatBackoff time.Duration `json:"heartbeat_backoff" mapstructure:"heartbeat_backoff" env:"HEARTBEAT_BACKOFF" envDefault:"2s"`
	StagingDir       string        `json:"staging_dir" mapstructure:"staging_dir" env:"STAGING_DIR" envDefault:"PublicStaging"`
}

// Config is the configuration struct
type Config struct {
	Muxer  muxer  `json:"muxer" mapstructure:"muxer" envPrefix:"MUXER_"`
	Device device `json:"device" mapstructure:"device" envPrefix:"DEVICE_"`
	Debug  bool   `json:"debug" mapstructure:"debug" env:"DEBUG"`
}

// Addr is the address the muxer listens on.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Muxer.Host, strconv.Itoa(c.Muxer.Port))
}

// DeviceIP is the network address of the paired device.
func (c *Config) DeviceIP() net.IP {
	return net.ParseIP(c.Device.Address)
}

func (c *Config) verify() error {
	if c.Muxer.Host == "localhost" {
		c.Muxer.Host = "127.0.0.1"
	}
	if ip := net.ParseIP(c.Muxer.Host); ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("config: muxer host %q must be a loopback address", c.Muxer.Host)
	}
	if c.Muxer.Port <= 0 || c.Muxer.Port > 0xffff {
		return fmt.Errorf("config: muxer port %d is out of range", c.Muxer.Port)
	}
	if c.Muxer.RebindThreshold <= 0 {
		return fmt.Errorf("config: rebind threshold must be positive")
	}
	if c.Muxer.AcceptBackoff <= 0 || c.Muxer.RebindBackoff <= 0 {
		return fmt.Errorf("config: accept and rebind backoff must be positive")
	}
	if c.DeviceIP() == nil {
		return fmt.Errorf("config: device address %q is not an IP address", c.Device.Address)
	}
	if c.Device.StagingDir == "" {
		return fmt.Errorf("config: staging directory must be set")
	}

	return nil
}

// Defaults returns the configuration built from defaults and LOMUX_ environment variables.
func Defaults() (*Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment: %v", err)
	}
	return &c, nil
}

// Load applies the settings held by v on top of Defaults.
func Load(v *viper.Viper) (*Config, error) {
	c, err := Defaults()
	if err != nil {
		return nil, err
	}

	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	return Load(viper.GetViper())
}
