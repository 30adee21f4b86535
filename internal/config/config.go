package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for flashguard.
type Config struct {
	HostID    string          `toml:"host_id"`
	BaseDir   string          `toml:"base_dir"`
	LogDir    string          `toml:"log_dir"`
	Flash     FlashConfig     `toml:"flash"`
	Transport TransportConfig `toml:"transport"`
	Database  DatabaseConfig  `toml:"database"`
	Firmware  FirmwareConfig  `toml:"firmware"`
	Inventory InventoryConfig `toml:"inventory"`
	Secrets   SecretsConfig   `toml:"secrets"`
}

// Duration is a time.Duration written as a string such as "90s" or "10m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// FlashConfig holds the preflight gate and state machine settings.
type FlashConfig struct {
	TargetChannel              string           `toml:"target_channel"` // "stable" (default), "beta" or "dev"
	OverrideChannel            bool             `toml:"override_channel"`
	MinFirmwareSize            int64            `toml:"min_firmware_size"`
	MinFirmwareSizeByClass     map[string]int64 `toml:"min_firmware_size_by_class,omitempty"`
	FreshnessWindow            Duration         `toml:"freshness_window"`
	ApplyTimeout               Duration         `toml:"apply_timeout"`
	PollInterval               Duration         `toml:"poll_interval"`
	ConfirmFactoryToProduction bool             `toml:"confirm_factory_to_production"`
	DisabledGates              []string         `toml:"disabled_gates,omitempty"`
	Retention                  Duration         `toml:"retention"`
}

// TransportConfig holds the OTA client settings.
type TransportConfig struct {
	Port           int      `toml:"port"`
	ChunkSize      int      `toml:"chunk_size"`
	ConnectTimeout Duration `toml:"connect_timeout"`
	IOTimeout      Duration `toml:"io_timeout"`
	ConnectRetries int      `toml:"connect_retries"` // retries after a transient connect/auth failure
	MaxRetransmits int      `toml:"max_retransmits"` // resends of one unacknowledged chunk
}

// DatabaseConfig represents configuration for the session history database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// FirmwareConfig represents configuration for the firmware source.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type FirmwareConfig struct {
	Type string `toml:"type"` // "filesystem", "s3" or "memory"

	// Filesystem-specific fields (only used when Type == "filesystem")
	Root string `toml:"root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"` // for S3-compatible stores such as MinIO

	// Static credentials; when empty the default AWS credential chain is used.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
}

// InventoryConfig represents configuration for the device inventory.
type InventoryConfig struct {
	Type string `toml:"type"`           // "file" or "memory"
	Path string `toml:"path,omitempty"` // only used for type=file
}

// SecretsConfig represents configuration for the shared secret store.
type SecretsConfig struct {
	Type string `toml:"type"`           // "age" or "memory"
	Path string `toml:"path,omitempty"` // only used for type=age
}

// Defaults applied by NewConfig and Validate.
const (
	DefaultMinFirmwareSize = 300 * 1024
	DefaultFreshnessWindow = 10 * time.Minute
	DefaultApplyTimeout    = 90 * time.Second
	DefaultPollInterval    = 2 * time.Second
	DefaultRetention       = 24 * time.Hour
	DefaultPort            = 3232
	DefaultChunkSize       = 8192
	DefaultConnectTimeout  = 5 * time.Second
	DefaultIOTimeout       = 10 * time.Second
	DefaultConnectRetries  = 1
	DefaultMaxRetransmits  = 3
)

// NewConfig creates a new Config with the provided values, default paths
// under baseDir and default flash and transport settings.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:  hostID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Flash: FlashConfig{
			TargetChannel:   "stable",
			MinFirmwareSize: DefaultMinFirmwareSize,
			FreshnessWindow: Duration{DefaultFreshnessWindow},
			ApplyTimeout:    Duration{DefaultApplyTimeout},
			PollInterval:    Duration{DefaultPollInterval},
			Retention:       Duration{DefaultRetention},
		},
		Transport: TransportConfig{
			Port:           DefaultPort,
			ChunkSize:      DefaultChunkSize,
			ConnectTimeout: Duration{DefaultConnectTimeout},
			IOTimeout:      Duration{DefaultIOTimeout},
			ConnectRetries: DefaultConnectRetries,
			MaxRetransmits: DefaultMaxRetransmits,
		},
		Database:  DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Firmware:  FirmwareConfig{Type: "filesystem", Root: filepath.Join(baseDir, "firmware")},
		Inventory: InventoryConfig{Type: "file", Path: filepath.Join(baseDir, "inventory.toml")},
		Secrets:   SecretsConfig{Type: "age", Path: filepath.Join(baseDir, "secrets.age")},
	}
}

var knownGates = []string{
	"reachability", "not_flashing", "firmware_size", "artifact_integrity",
	"hw_family", "channel_match", "mode_sanity", "device_health",
}

// Validate fills unset values with defaults and rejects invalid settings.
func (c *Config) Validate() error {
	f := &c.Flash
	if f.TargetChannel == "" {
		f.TargetChannel = "stable"
	}
	switch f.TargetChannel {
	case "stable", "beta", "dev":
	default:
		return fmt.Errorf("flash.target_channel must be stable, beta or dev, got %q", f.TargetChannel)
	}
	if f.MinFirmwareSize == 0 {
		f.MinFirmwareSize = DefaultMinFirmwareSize
	}
	if f.MinFirmwareSize < 0 {
		return fmt.Errorf("flash.min_firmware_size must not be negative")
	}
	for class, n := range f.MinFirmwareSizeByClass {
		if n <= 0 {
			return fmt.Errorf("flash.min_firmware_size_by_class[%s] must be positive", class)
		}
	}
	defaultDuration(&f.FreshnessWindow, DefaultFreshnessWindow)
	defaultDuration(&f.ApplyTimeout, DefaultApplyTimeout)
	defaultDuration(&f.PollInterval, DefaultPollInterval)
	defaultDuration(&f.Retention, DefaultRetention)
	if f.PollInterval.Duration > f.ApplyTimeout.Duration {
		return fmt.Errorf("flash.poll_interval (%s) exceeds flash.apply_timeout (%s)", f.PollInterval, f.ApplyTimeout)
	}
	for _, g := range f.DisabledGates {
		if !slices.Contains(knownGates, g) {
			return fmt.Errorf("flash.disabled_gates: unknown gate %q", g)
		}
	}

	t := &c.Transport
	if t.Port == 0 {
		t.Port = DefaultPort
	}
	if t.Port < 0 || t.Port > 65535 {
		return fmt.Errorf("transport.port %d out of range", t.Port)
	}
	if t.ChunkSize == 0 {
		t.ChunkSize = DefaultChunkSize
	}
	if t.ChunkSize < 256 || t.ChunkSize > 64*1024 {
		return fmt.Errorf("transport.chunk_size must be between 256 and 65536, got %d", t.ChunkSize)
	}
	defaultDuration(&t.ConnectTimeout, DefaultConnectTimeout)
	defaultDuration(&t.IOTimeout, DefaultIOTimeout)
	if t.ConnectRetries < 0 || t.MaxRetransmits < 0 {
		return fmt.Errorf("transport retry counts must not be negative")
	}

	switch c.Database.Type {
	case "sqlite":
		if c.Database.DataDir == "" {
			return fmt.Errorf("database.data_dir is required for sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database type: %q", c.Database.Type)
	}

	switch c.Firmware.Type {
	case "filesystem":
		if c.Firmware.Root == "" {
			return fmt.Errorf("firmware.root is required for filesystem")
		}
	case "s3":
		if c.Firmware.S3Bucket == "" {
			return fmt.Errorf("firmware.s3_bucket is required for s3")
		}
		if (c.Firmware.S3AccessKeyID == "") != (c.Firmware.S3SecretAccessKey == "") {
			return fmt.Errorf("firmware.s3_access_key_id and firmware.s3_secret_access_key must be set together")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown firmware type: %q", c.Firmware.Type)
	}

	switch c.Inventory.Type {
	case "file":
		if c.Inventory.Path == "" {
			return fmt.Errorf("inventory.path is required for file")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown inventory type: %q", c.Inventory.Type)
	}

	switch c.Secrets.Type {
	case "age":
		if c.Secrets.Path == "" {
			return fmt.Errorf("secrets.path is required for age")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown secrets type: %q", c.Secrets.Type)
	}
	return nil
}

func defaultDuration(d *Duration, def time.Duration) {
	if d.Duration <= 0 {
		d.Duration = def
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
