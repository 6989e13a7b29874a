package sense

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/scientisst/gosense/scientisst"
	"gopkg.in/yaml.v3"
)

// Config is the sense configuration file
type Config struct {
	Device      DeviceConfig      `yaml:"device"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Output      OutputConfig      `yaml:"output"`
	Redis       RedisConfig       `yaml:"redis"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Log         LogConfig         `yaml:"log"`
}

type DeviceConfig struct {
	// Link is a connection string, see scientisst.ParseLink
	Link            string        `yaml:"link"`
	API             string        `yaml:"api"`
	ConnectionTries int           `yaml:"connection_tries"`
	Timeout         time.Duration `yaml:"timeout"`
	Baud            int           `yaml:"baud"`
	SettleDelay     time.Duration `yaml:"settle_delay"`
}

type AcquisitionConfig struct {
	SampleRate int    `yaml:"sample_rate"`
	Channels   string `yaml:"channels"`
	// Duration of the acquisition, 0 runs until interrupted
	Duration       time.Duration `yaml:"duration"`
	Convert        bool          `yaml:"convert"`
	Simulated      bool          `yaml:"simulated"`
	ReadsPerSecond int           `yaml:"reads_per_second"`
	Grace          time.Duration `yaml:"grace"`
}

type OutputConfig struct {
	File      string   `yaml:"file"`
	Quiet     bool     `yaml:"quiet"`
	QueueSize int      `yaml:"queue_size"`
	Scripts   []string `yaml:"scripts"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Channel  string `yaml:"channel"`
	// Keep is the length of the list of recent batches, 0 disables it
	Keep int64 `yaml:"keep"`
}

type MonitorConfig struct {
	// Addr of the HTTP status API, empty disables it
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// LoadConfig reads a YAML configuration file. Missing keys keep their
// DefaultConfig values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %v: %w", path, err)
	}
	return cfg, nil
}

// DefaultConfig returns the defaults of the sense command
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			API:             "scientisst",
			ConnectionTries: scientisst.DefaultConnectionTries,
			Timeout:         scientisst.DefaultTimeout,
			Baud:            scientisst.DefaultBaud,
			SettleDelay:     scientisst.DefaultSettleDelay,
		},
		Acquisition: AcquisitionConfig{
			SampleRate:     1000,
			Channels:       "1,2,3,4,5,6",
			Convert:        true,
			ReadsPerSecond: 5,
			Grace:          250 * time.Millisecond,
		},
		Output: OutputConfig{
			QueueSize: 64,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			Channel:  "scientisst",
			Keep:     1000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// ParseAPI maps an api name or number to its mode
func ParseAPI(s string) (scientisst.APIMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bitalino", "1":
		return scientisst.APIBitalino, nil
	case "scientisst", "2", "":
		return scientisst.APIScientISST, nil
	case "json", "3":
		return scientisst.APIJSON, nil
	}
	return 0, fmt.Errorf("api %q: %w", s, scientisst.ErrInvalidParameter)
}

// ParseChannels parses a comma separated list of channel numbers 1..8.
// The order is kept, an empty list means all channels.
func ParseChannels(s string) ([]scientisst.Channel, error) {
	var chs []scientisst.Channel
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil || n < int(scientisst.AI1) || n > int(scientisst.AX2) {
			return nil, fmt.Errorf("channel %q: %w", f, scientisst.ErrInvalidParameter)
		}
		chs = append(chs, scientisst.Channel(n))
	}
	if len(chs) == 0 {
		return append([]scientisst.Channel(nil), scientisst.AllChannels...), nil
	}
	return chs, nil
}

// DeviceConfig turns the device section into a scientisst.Config
func (c *Config) DeviceConfig() (scientisst.Config, error) {
	mode, address, err := scientisst.ParseLink(c.Device.Link)
	if err != nil {
		return scientisst.Config{}, err
	}
	api, err := ParseAPI(c.Device.API)
	if err != nil {
		return scientisst.Config{}, err
	}
	return scientisst.Config{
		Address:         address,
		Mode:            mode,
		API:             api,
		ConnectionTries: c.Device.ConnectionTries,
		Timeout:         c.Device.Timeout,
		Baud:            c.Device.Baud,
		SettleDelay:     c.Device.SettleDelay,
	}, nil
}

// FramesPerRead is the batch size of one Read, at least one frame
func (a AcquisitionConfig) FramesPerRead() int {
	if a.ReadsPerSecond <= 0 {
		return 1
	}
	n := a.SampleRate / a.ReadsPerSecond
	if n < 1 {
		n = 1
	}
	return n
}
