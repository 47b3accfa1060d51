package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds all tunables of the TCP engine. Values are loaded from a
// yaml file and fall back to the defaults below when a field is absent.
type Config struct {
	StreamCount        int  `yaml:"streamCount"`        // number of pre-allocated connection slots
	LocalPortBase      int  `yaml:"localPortBase"`      // stream i listens on localPortBase + i
	TickIntervalMs     int  `yaml:"tickIntervalMs"`     // period of the timer polling tick
	PreferredMSS       int  `yaml:"preferredMSS"`       // maximum payload size of one data segment
	WindowScale        int  `yaml:"windowScale"`        // transmit-side window scale shift, 0 disables scaling
	ReceiveBufferSize  int  `yaml:"receiveBufferSize"`  // per-stream receive buffer in bytes
	WindowSafetyMargin int  `yaml:"windowSafetyMargin"` // bytes subtracted from the advertised window
	PayloadPoolSize    int  `yaml:"payloadPoolSize"`    // number of payload chunks in the ring pool
	RetransmitFloorMs  int  `yaml:"retransmitFloorMs"`  // lower bound of the retransmission timeout
	RttFloorMs         int  `yaml:"rttFloorMs"`         // smallest plausible RTT sample
	RttCeilingMs       int  `yaml:"rttCeilingMs"`       // RTT samples are clamped to this ceiling
	InitialRttMs       int  `yaml:"initialRttMs"`       // RTT assumed before the first sample exists
	KeepaliveIdleMs    int  `yaml:"keepaliveIdleMs"`    // idle time before a keepalive probe is sent
	KeepaliveProbes    int  `yaml:"keepaliveProbes"`    // unanswered probes tolerated before teardown
	ZeroWindowBaseMs   int  `yaml:"zeroWindowBaseMs"`   // base interval of zero-window probing
	TeardownTimeoutMs  int  `yaml:"teardownTimeoutMs"`  // watchdog for handshake and teardown states
	Debug              bool `yaml:"debug"`              // global debug setting
	PoolDebug          bool `yaml:"poolDebug"`          // ring pool debug setting
}

// AppConfig is the process-wide configuration loaded by ReadConfig.
var AppConfig *Config

// DefaultConfig returns a Config with all fields set to their defaults.
func DefaultConfig() *Config {
	return &Config{
		StreamCount:        8,
		LocalPortBase:      8901,
		TickIntervalMs:     10,
		PreferredMSS:       1440,
		WindowScale:        4,
		ReceiveBufferSize:  65536,
		WindowSafetyMargin: 64,
		PayloadPoolSize:    2000,
		RetransmitFloorMs:  1000,
		RttFloorMs:         5,
		RttCeilingMs:       2000,
		InitialRttMs:       200,
		KeepaliveIdleMs:    5000,
		KeepaliveProbes:    3,
		ZeroWindowBaseMs:   1000,
		TeardownTimeoutMs:  2000,
	}
}

// ReadConfig loads the yaml configuration file at the given path.
// Missing fields keep their default values.
func ReadConfig(path string) (*Config, error) {
	conf := DefaultConfig()

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(content, conf); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}

	return conf, nil
}

func (c *Config) validate() error {
	if c.StreamCount <= 0 {
		return fmt.Errorf("streamCount must be positive, got %d", c.StreamCount)
	}
	if c.TickIntervalMs <= 0 {
		return fmt.Errorf("tickIntervalMs must be positive, got %d", c.TickIntervalMs)
	}
	if c.WindowScale < 0 || c.WindowScale > 14 {
		return fmt.Errorf("windowScale must be between 0 and 14, got %d", c.WindowScale)
	}
	if c.PreferredMSS <= 0 || c.PreferredMSS > 65535 {
		return fmt.Errorf("preferredMSS must be between 1 and 65535, got %d", c.PreferredMSS)
	}
	if c.KeepaliveProbes < 1 {
		return fmt.Errorf("keepaliveProbes must be at least 1, got %d", c.KeepaliveProbes)
	}
	return nil
}
