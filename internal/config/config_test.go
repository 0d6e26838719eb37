package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaults(t *testing.T) {
	c, err := Load(viper.New())
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Addr(); got != "127.0.0.1:27015" {
		t.Errorf("Addr() = %q", got)
	}
	if c.Muxer.AcceptBackoff != 5*time.Millisecond || c.Muxer.RebindBackoff != 50*time.Millisecond {
		t.Errorf("backoffs = %v/%v", c.Muxer.AcceptBackoff, c.Muxer.RebindBackoff)
	}
	if c.Muxer.RebindThreshold != 50 {
		t.Errorf("RebindThreshold = %d", c.Muxer.RebindThreshold)
	}
	if got := c.DeviceIP().String(); got != "10.7.0.1" {
		t.Errorf("DeviceIP() = %s", got)
	}
	if !c.Device.Heartbeat || c.Device.StagingDir != "PublicStaging" {
		t.Errorf("Device = %+v", c.Device)
	}
}

func TestEnvironment(t *testing.T) {
	t.Setenv("LOMUX_MUXER_PORT", "27100")
	t.Setenv("LOMUX_MUXER_REBIND_THRESHOLD", "3")
	t.Setenv("LOMUX_DEVICE_ADDRESS", "192.168.1.20")
	t.Setenv("LOMUX_DEVICE_HEARTBEAT", "false")
	t.Setenv("LOMUX_DEBUG", "true")

	c, err := Load(viper.New())
	if err != nil {
		t.Fatal(err)
	}
	if c.Muxer.Port != 27100 || c.Muxer.RebindThreshold != 3 {
		t.Errorf("Muxer = %+v", c.Muxer)
	}
	if c.Device.Address != "192.168.1.20" || c.Device.Heartbeat {
		t.Errorf("Device = %+v", c.Device)
	}
	if !c.Debug {
		t.Error("Debug = false")
	}
}

func TestViperOverrides(t *testing.T) {
	t.Setenv("LOMUX_MUXER_PORT", "27100")

	v := viper.New()
	v.Set("muxer.port", 28000)
	v.Set("muxer.host", "localhost")
	v.Set("device.timeout", "1s")

	c, err := Load(v)
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Addr(); got != "127.0.0.1:28000" {
		t.Errorf("Addr() = %q", got)
	}
	if c.Device.Timeout != time.Second {
		t.Errorf("Device.Timeout = %v", c.Device.Timeout)
	}
	// untouched keys keep their defaults
	if c.Muxer.RebindThreshold != 50 {
		t.Errorf("RebindThreshold = %d", c.Muxer.RebindThreshold)
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
		want string
	}{
		{"public host", "muxer.host", "0.0.0.0", "loopback"},
		{"hostname", "muxer.host", "example.com", "loopback"},
		{"port zero", "muxer.port", 0, "out of range"},
		{"port too big", "muxer.port", 70000, "out of range"},
		{"threshold", "muxer.rebind_threshold", 0, "threshold"},
		{"backoff", "muxer.accept_backoff", "0s", "backoff"},
		{"device address", "device.address", "iphone.local", "not an IP"},
		{"staging dir", "device.staging_dir", "", "staging"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			v.Set(tt.key, tt.val)
			_, err := Load(v)
			if err == nil {
				t.Fatal("Load() succeeded")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestBadEnvironment(t *testing.T) {
	t.Setenv("LOMUX_MUXER_PORT", "not-a-port")
	if _, err := Defaults(); err == nil {
		t.Error("Defaults() succeeded")
	}
}
