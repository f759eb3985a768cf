package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	ModeLocal   = "local"
	ModeNetwork = "network"
)

// GlobalLogConfig holds optional global log file settings
type GlobalLogConfig struct {
	Filename   string `yaml:"Filename,omitempty"`
	MaxSize    int    `yaml:"MaxSize,omitempty"` // megabytes
	MaxBackups int    `yaml:"MaxBackups,omitempty"`
	MaxAge     int    `yaml:"MaxAge,omitempty"` // days
	Compress   bool   `yaml:"Compress,omitempty"`
	Level      string `yaml:"Level,omitempty"` // debug, info, warn, error
}

// DurationString supports "10s", "5m", "250ms" (only lowercase s/m)
type DurationString time.Duration

func (d *DurationString) UnmarshalYAML(value *yaml.Node) error {
	s := value.Value
	if value.Tag == "!!int" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*d = DurationString(time.Duration(v) * time.Second)
		return nil
	}
	if !(strings.HasSuffix(s, "s") || strings.HasSuffix(s, "m")) {
		return fmt.Errorf("invalid duration: %s (must end with 's' or 'm')", s)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = DurationString(dur)
	return nil
}

func (d DurationString) Duration() time.Duration {
	return time.Duration(d)
}

// RateString is a bit rate in bits per second. It accepts plain numbers and
// the decimal suffixes "K", "M" and "G" (uppercase only), so "56K" is a
// 56 kbit/s modem.
type RateString int64

// ParseRate parses the RateString syntax.
func ParseRate(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("empty rate string")
	}
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1000
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1000 * 1000
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1000 * 1000 * 1000
		s = strings.TrimSuffix(s, "G")
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid rate string: %s (must be a number, optionally ending with 'K','M','G')", raw)
	}
	if v > math.MaxInt64/multiplier || v < math.MinInt64/multiplier {
		return 0, fmt.Errorf("rate string out of range: %s", raw)
	}
	return v * multiplier, nil
}

func (r *RateString) UnmarshalYAML(value *yaml.Node) error {
	v, err := ParseRate(value.Value)
	if err != nil {
		return err
	}
	*r = RateString(v)
	return nil
}

// String is the flag.Value form.
func (r *RateString) String() string {
	if r == nil {
		return "0"
	}
	return strconv.FormatInt(int64(*r), 10)
}

func (r *RateString) Set(s string) error {
	v, err := ParseRate(s)
	if err != nil {
		return err
	}
	*r = RateString(v)
	return nil
}

func (r *RateString) Type() string {
	return "rate"
}

func (r RateString) BitsPerSecond() int64 {
	return int64(r)
}

// SlowPipeConfig is the full runtime configuration.
type SlowPipeConfig struct {
	Mode               string      `yaml:"Mode"`
	SendRate           RateString  `yaml:"SendRate"`
	ReceiveRate        *RateString `yaml:"ReceiveRate,omitempty"` // defaults to sharing SendRate's budget
	ListenAddress      string      `yaml:"ListenAddress,omitempty"`
	DestinationAddress string      `yaml:"DestinationAddress,omitempty"`
	GlobalRate         bool        `yaml:"GlobalRate,omitempty"`

	AllowBurst       bool           `yaml:"AllowBurst,omitempty"`
	UseTimer         bool           `yaml:"UseTimer,omitempty"`
	IdleReset        DurationString `yaml:"IdleReset,omitempty"`       // default 0, never reset
	APIListenAddress string         `yaml:"APIListenAddress,omitempty"` // e.g. "127.0.0.1:8089"
	MonitorInterval  DurationString `yaml:"MonitorInterval,omitempty"`  // default "15s"

	GlobalLog *GlobalLogConfig `yaml:"GlobalLog,omitempty"`
}

// ReceiveRateBps returns the receive rate, or nil when the receive
// direction shares the send budget.
func (c *SlowPipeConfig) ReceiveRateBps() *int64 {
	if c.ReceiveRate == nil {
		return nil
	}
	v := c.ReceiveRate.BitsPerSecond()
	return &v
}

// SetDefaults sets default values for optional fields
func (c *SlowPipeConfig) SetDefaults() {
	if c.Mode == "" {
		c.Mode = ModeNetwork
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = DurationString(15 * time.Second)
	}
	// Set global log defaults if not provided
	if c.GlobalLog == nil {
		c.GlobalLog = &GlobalLogConfig{
			Filename:   "", // Empty string means log to stderr
			MaxSize:    1,
			MaxBackups: 1,
			MaxAge:     1,
			Compress:   false,
			Level:      "info",
		}
	} else {
		if c.GlobalLog.Filename == "" {
			c.GlobalLog.Filename = "slowpipe.log"
		}
		if c.GlobalLog.MaxSize == 0 {
			c.GlobalLog.MaxSize = 20
		}
		if c.GlobalLog.MaxBackups == 0 {
			c.GlobalLog.MaxBackups = 5
		}
		if c.GlobalLog.MaxAge == 0 {
			c.GlobalLog.MaxAge = 28
		}
		if c.GlobalLog.Level == "" {
			c.GlobalLog.Level = "info"
		}
		// Compress defaults to false, so no need to set
	}
}

// Validate rejects configurations no session or limiter can be built from.
func (c *SlowPipeConfig) Validate() error {
	if c.SendRate <= 0 {
		return fmt.Errorf("%w: SendRate must be positive, got %d", ErrInvalidConfig, c.SendRate)
	}
	if c.ReceiveRate != nil && *c.ReceiveRate <= 0 {
		return fmt.Errorf("%w: ReceiveRate must be positive, got %d", ErrInvalidConfig, *c.ReceiveRate)
	}
	if c.IdleReset < 0 {
		return fmt.Errorf("%w: IdleReset must not be negative", ErrInvalidConfig)
	}
	switch c.Mode {
	case ModeLocal:
		return nil
	case ModeNetwork:
	default:
		return fmt.Errorf("%w: unknown Mode %q (want %q or %q)", ErrInvalidConfig, c.Mode, ModeLocal, ModeNetwork)
	}
	if c.ListenAddress == "" || c.DestinationAddress == "" {
		return fmt.Errorf("%w: ListenAddress and DestinationAddress are required in network mode", ErrInvalidConfig)
	}
	if err := validateAddress(c.ListenAddress, true); err != nil {
		return fmt.Errorf("%w: ListenAddress: %v", ErrInvalidConfig, err)
	}
	if err := validateAddress(c.DestinationAddress, false); err != nil {
		return fmt.Errorf("%w: DestinationAddress: %v", ErrInvalidConfig, err)
	}
	if c.APIListenAddress != "" {
		if err := validateAddress(c.APIListenAddress, true); err != nil {
			return fmt.Errorf("%w: APIListenAddress: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// validateAddress checks host:port. Port 0 only makes sense for a listener,
// where it picks a free port.
func validateAddress(addr string, listen bool) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	if p == 0 && !listen {
		return fmt.Errorf("port 0 cannot be dialed")
	}
	return nil
}

// LoadConfig loads config from YAML file and parses it
func LoadConfig(path string) (*SlowPipeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg SlowPipeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	return &cfg, nil
}
