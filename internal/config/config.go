// Package config loads the bridge configuration from a TOML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/banshee-data/underpass.report/internal/protocol"
	"github.com/banshee-data/underpass.report/internal/report"
	"github.com/banshee-data/underpass.report/internal/serialmux"
)

// DefaultConfigPath is where cmd/bridge looks when -config is not given.
const DefaultConfigPath = "underpass.toml"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Source kinds.
const (
	SourceSerial = "serial"
	SourceTCP    = "tcp"
)

// Duration is a time.Duration written as a string like "50ms" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root of underpass.toml.
type Config struct {
	Source     SourceConfig     `toml:"source"`
	Protocol   ProtocolConfig   `toml:"protocol"`
	MQTT       MQTTConfig       `toml:"mqtt"`
	Snapshot   SnapshotConfig   `toml:"snapshot"`
	History    HistoryConfig    `toml:"history"`
	Thresholds ThresholdsConfig `toml:"thresholds"`
	Admin      AdminConfig      `toml:"admin"`
	Log        LogConfig        `toml:"log"`
}

type SourceConfig struct {
	Kind          string   `toml:"kind"`
	Port          string   `toml:"port"`
	Address       string   `toml:"address"` // host:port when kind is tcp
	BaudRate      int      `toml:"baud_rate"`
	DataBits      int      `toml:"data_bits"`
	StopBits      int      `toml:"stop_bits"`
	Parity        string   `toml:"parity"`
	PollInterval  Duration `toml:"poll_interval"`
	RetryInterval Duration `toml:"retry_interval"`
	ReadTimeout   Duration `toml:"read_timeout"`
}

type ProtocolConfig struct {
	Framing           string `toml:"framing"`
	MaxResyncFailures int    `toml:"max_resync_failures"`
	MaxDebugLine      int    `toml:"max_debug_line"`
	MaxBuffer         int    `toml:"max_buffer"`
	AMType            int    `toml:"am_type"`
	VerifyCRC         bool   `toml:"verify_crc"`
}

type MQTTConfig struct {
	Enabled        bool     `toml:"enabled"`
	Broker         string   `toml:"broker"`
	ClientID       string   `toml:"client_id"`
	Topic          string   `toml:"topic"`
	QoS            int      `toml:"qos"`
	Retained       bool     `toml:"retained"`
	RetryInterval  Duration `toml:"retry_interval"`
	PublishTimeout Duration `toml:"publish_timeout"`
}

type SnapshotConfig struct {
	Path string `toml:"path"`
}

type HistoryConfig struct {
	Enabled   bool   `toml:"enabled"`
	Path      string `toml:"path"`
	Retention int    `toml:"retention"`
}

// ThresholdsConfig holds the illumination band edges in lux.
type ThresholdsConfig struct {
	NightBelow    uint16 `toml:"night_below"`
	OvercastBelow uint16 `toml:"overcast_below"`
	DaylightBelow uint16 `toml:"daylight_below"`
	FullScaleLux  uint16 `toml:"full_scale_lux"`
}

type AdminConfig struct {
	Listen string `toml:"listen"`
}

type LogConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
	// MotePath receives the node's diagnostic lines. Empty means stdout.
	MotePath string `toml:"mote_path"`
}

// Default returns the configuration of the original deployment: a node on
// /dev/ttyUSB0 at 115200 baud publishing to a public broker.
func Default() *Config {
	opts := protocol.DefaultOptions()
	th := report.DefaultThresholds()
	return &Config{
		Source: SourceConfig{
			Kind:          SourceSerial,
			Port:          "/dev/ttyUSB0",
			Address:       "localhost:65432",
			BaudRate:      115200,
			DataBits:      8,
			StopBits:      1,
			Parity:        "N",
			PollInterval:  Duration{50 * time.Millisecond},
			RetryInterval: Duration{2 * time.Second},
			ReadTimeout:   Duration{100 * time.Millisecond},
		},
		Protocol: ProtocolConfig{
			Framing:           string(opts.Framing),
			MaxResyncFailures: opts.MaxResyncFailures,
			MaxDebugLine:      opts.MaxDebugLine,
			MaxBuffer:         opts.MaxBuffer,
			AMType:            int(opts.AMType),
		},
		MQTT: MQTTConfig{
			Enabled:        true,
			Broker:         "tcp://broker.hivemq.com:1883",
			ClientID:       "underpass-bridge",
			Topic:          "angelica/iot/data",
			RetryInterval:  Duration{2 * time.Second},
			PublishTimeout: Duration{2 * time.Second},
		},
		Snapshot: SnapshotConfig{Path: "underpass_data.json"},
		History: HistoryConfig{
			Enabled:   true,
			Path:      "underpass.db",
			Retention: 10000,
		},
		Thresholds: ThresholdsConfig{
			NightBelow:    th.NightBelow,
			OvercastBelow: th.OvercastBelow,
			DaylightBelow: th.DaylightBelow,
			FullScaleLux:  th.FullScaleLux,
		},
		Admin: AdminConfig{Listen: ":8080"},
		Log:   LogConfig{Level: "info"},
	}
}

// Load reads a TOML file. The file is validated to ensure it has a .toml
// extension and is under the max file size. Keys omitted from the file keep
// their Default values.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".toml" {
		return nil, fmt.Errorf("config file must have .toml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	cfg := Default()
	meta, err := toml.DecodeFile(cleanPath, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config TOML: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration describes a runnable bridge.
func (c *Config) Validate() error {
	var errs []error

	switch c.Source.Kind {
	case SourceSerial:
		if strings.TrimSpace(c.Source.Port) == "" {
			errs = append(errs, errors.New("source.port is required for a serial source"))
		}
		if _, err := c.PortOptions().Normalize(); err != nil {
			errs = append(errs, fmt.Errorf("source: %w", err))
		}
	case SourceTCP:
		if strings.TrimSpace(c.Source.Address) == "" {
			errs = append(errs, errors.New("source.address is required for a tcp source"))
		}
	default:
		errs = append(errs, fmt.Errorf("source.kind %q: expected %q or %q", c.Source.Kind, SourceSerial, SourceTCP))
	}
	if c.Source.PollInterval.Duration <= 0 {
		errs = append(errs, errors.New("source.poll_interval must be positive"))
	}
	if c.Source.RetryInterval.Duration <= 0 {
		errs = append(errs, errors.New("source.retry_interval must be positive"))
	}

	if _, err := protocol.NewDemuxer(c.ProtocolOptions()); err != nil {
		errs = append(errs, fmt.Errorf("protocol: %w", err))
	}
	if c.Protocol.AMType < 1 || c.Protocol.AMType > 255 {
		errs = append(errs, fmt.Errorf("protocol.am_type %d out of range 1-255", c.Protocol.AMType))
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" || c.MQTT.Topic == "" {
			errs = append(errs, errors.New("mqtt.broker and mqtt.topic are required when mqtt is enabled"))
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos %d: must be 0, 1 or 2", c.MQTT.QoS))
		}
	}

	if c.Snapshot.Path == "" {
		errs = append(errs, errors.New("snapshot.path is required"))
	}
	if c.History.Enabled && c.History.Path == "" {
		errs = append(errs, errors.New("history.path is required when history is enabled"))
	}
	if c.History.Retention < 0 {
		errs = append(errs, errors.New("history.retention must not be negative"))
	}

	th := c.Thresholds
	if !(th.NightBelow <= th.OvercastBelow && th.OvercastBelow <= th.DaylightBelow) {
		errs = append(errs, errors.New("thresholds must be ordered night_below <= overcast_below <= daylight_below"))
	}

	return errors.Join(errs...)
}

// ProtocolOptions converts the [protocol] section for protocol.NewDemuxer.
func (c *Config) ProtocolOptions() protocol.Options {
	return protocol.Options{
		Framing:           protocol.Framing(c.Protocol.Framing),
		MaxResyncFailures: c.Protocol.MaxResyncFailures,
		MaxDebugLine:      c.Protocol.MaxDebugLine,
		MaxBuffer:         c.Protocol.MaxBuffer,
		AMType:            byte(c.Protocol.AMType),
		VerifyCRC:         c.Protocol.VerifyCRC,
	}
}

// PortOptions converts the serial settings of the [source] section.
func (c *Config) PortOptions() serialmux.PortOptions {
	return serialmux.PortOptions{
		BaudRate: c.Source.BaudRate,
		DataBits: c.Source.DataBits,
		StopBits: c.Source.StopBits,
		Parity:   c.Source.Parity,
	}
}

// BandThresholds converts the [thresholds] section.
func (c *Config) BandThresholds() report.Thresholds {
	return report.Thresholds{
		NightBelow:    c.Thresholds.NightBelow,
		OvercastBelow: c.Thresholds.OvercastBelow,
		DaylightBelow: c.Thresholds.DaylightBelow,
		FullScaleLux:  c.Thresholds.FullScaleLux,
	}
}
