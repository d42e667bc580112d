package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"github.com/OpenPrinting/goipp"
)

const fileName = "ippproxy.toml"

// Duration is a time.Duration read from strings such as "2s" or "5m".
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

type CupsConfig struct {
	// Server is the host:port of the CUPS scheduler.
	Server          string   `toml:"server"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	TLS             bool     `toml:"tls"`
	DBus            bool     `toml:"dbus"`
	RefreshInterval Duration `toml:"refresh_interval"`
}

type MonitorConfig struct {
	Interval     Duration `toml:"interval"`
	OrphanAge    Duration `toml:"orphan_age"`
	FindAttempts int      `toml:"find_attempts"`
	FindDelay    Duration `toml:"find_delay"`
	// PollAge is how long a PrintOut may wait for a pushed CUPS event
	// before the monitor asks CUPS directly.
	PollAge Duration `toml:"poll_age"`
	// Remember bounds the set of finished job ids whose late events are
	// ignored.
	Remember int `toml:"remember"`
}

type DNSSDConfig struct {
	Enabled  bool   `toml:"enabled"`
	HostName string `toml:"host_name"`
}

// TLSConfig enables IPPS on the listen address. Plain IPP and TLS share
// the port.
type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
	// AutoGenerate creates a self-signed certificate when the files are
	// missing.
	AutoGenerate bool `toml:"auto_generate"`
}

type AccountingConfig struct {
	PriceGray  int64 `toml:"price_gray"`
	PriceColor int64 `toml:"price_color"`
}

type Config struct {
	ListenAddr     string           `toml:"listen_addr"`
	ServerName     string           `toml:"server_name"`
	DataDir        string           `toml:"data_dir"`
	DBPath         string           `toml:"db_path"`
	SpoolDir       string           `toml:"spool_dir"`
	ErrorLogPath   string           `toml:"error_log"`
	AccessLogPath  string           `toml:"access_log"`
	PageLogPath    string           `toml:"page_log"`
	MaxLogSize     int64            `toml:"max_log_size"`
	LogLevel       string           `toml:"log_level"`
	MaxRequestSize int64            `toml:"max_request_size"`
	MaxIPPVersion  string           `toml:"max_ipp_version"`
	DefaultQueue   string           `toml:"default_queue"`
	AllowedNets    []string         `toml:"allowed_nets"`
	AdminUser      string           `toml:"admin_user"`
	AdminPass      string           `toml:"admin_pass"`
	GateWait       Duration         `toml:"gate_wait"`
	UserCacheSize  int              `toml:"user_cache_size"`
	UserCacheTTL   Duration         `toml:"user_cache_ttl"`
	Cups           CupsConfig       `toml:"cups"`
	Monitor        MonitorConfig    `toml:"monitor"`
	DNSSD          DNSSDConfig      `toml:"dnssd"`
	TLS            TLSConfig        `toml:"tls"`
	Accounting     AccountingConfig `toml:"accounting"`

	// Source is the config file that was read, empty when none was found.
	Source string `toml:"-"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		ListenAddr:     ":8631",
		ServerName:     "ippproxy",
		DataDir:        "data",
		MaxLogSize:     1 << 20,
		LogLevel:       "info",
		MaxRequestSize: 256 << 20,
		MaxIPPVersion:  "2.0",
		DefaultQueue:   "public",
		GateWait:       Duration{250 * time.Millisecond},
		UserCacheSize:  512,
		UserCacheTTL:   Duration{time.Minute},
		Cups: CupsConfig{
			Server:          "localhost:631",
			DBus:            true,
			RefreshInterval: Duration{5 * time.Minute},
		},
		Monitor: MonitorConfig{
			Interval:     Duration{2 * time.Second},
			OrphanAge:    Duration{30 * time.Second},
			FindAttempts: 3,
			FindDelay:    Duration{2 * time.Second},
			PollAge:      Duration{time.Minute},
			Remember:     4096,
		},
		DNSSD: DNSSDConfig{Enabled: true},
		TLS:   TLSConfig{AutoGenerate: true},
	}
}

// Load builds the configuration from defaults, the first config file found
// in the search paths and IPPPROXY_* environment variables, in that order.
func Load() (Config, error) {
	cfg := Defaults()
	if path, data, ok := findConfigFile(fileName); ok {
		if err := Parse(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
		cfg.Source = path
	}
	applyEnvOverrides(&cfg)
	applyDerivedDefaults(&cfg)
	if _, err := cfg.IPPVersion(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes TOML data over cfg.
func Parse(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}

func searchPaths(name string) []string {
	paths := []string{}
	if p := os.Getenv("IPPPROXY_CONFIG"); p != "" {
		paths = append(paths, p)
	}
	if runtime.GOOS != "windows" {
		paths = append(paths, filepath.Join("/etc/ippproxy", name))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ippproxy", name))
	}
	return append(paths, name)
}

func findConfigFile(name string) (string, []byte, bool) {
	for _, path := range searchPaths(name) {
		if data, err := os.ReadFile(path); err == nil {
			return path, data, true
		}
	}
	return "", nil, false
}

func applyEnvOverrides(cfg *Config) {
	cfg.ListenAddr = getenv("IPPPROXY_LISTEN_ADDR", cfg.ListenAddr)
	cfg.ServerName = getenv("IPPPROXY_SERVER_NAME", cfg.ServerName)
	cfg.DataDir = getenv("IPPPROXY_DATA_DIR", cfg.DataDir)
	cfg.DBPath = getenv("IPPPROXY_DB", cfg.DBPath)
	cfg.SpoolDir = getenv("IPPPROXY_SPOOL_DIR", cfg.SpoolDir)
	cfg.LogLevel = getenv("IPPPROXY_LOG_LEVEL", cfg.LogLevel)
	cfg.MaxIPPVersion = getenv("IPPPROXY_MAX_IPP_VERSION", cfg.MaxIPPVersion)
	cfg.DefaultQueue = getenv("IPPPROXY_DEFAULT_QUEUE", cfg.DefaultQueue)
	cfg.AdminUser = getenv("IPPPROXY_ADMIN_USER", cfg.AdminUser)
	cfg.AdminPass = getenv("IPPPROXY_ADMIN_PASS", cfg.AdminPass)
	cfg.Cups.Server = getenv("IPPPROXY_CUPS_SERVER", cfg.Cups.Server)
	cfg.Cups.User = getenv("IPPPROXY_CUPS_USER", cfg.Cups.User)
	cfg.Cups.Password = getenv("IPPPROXY_CUPS_PASSWORD", cfg.Cups.Password)
	cfg.Cups.TLS = getenvBool("IPPPROXY_CUPS_TLS", cfg.Cups.TLS)
	cfg.Cups.DBus = getenvBool("IPPPROXY_CUPS_DBUS", cfg.Cups.DBus)
	cfg.DNSSD.Enabled = getenvBool("IPPPROXY_DNSSD", cfg.DNSSD.Enabled)
	cfg.TLS.Enabled = getenvBool("IPPPROXY_TLS", cfg.TLS.Enabled)
	cfg.TLS.CertFile = getenv("IPPPROXY_TLS_CERT", cfg.TLS.CertFile)
	cfg.TLS.KeyFile = getenv("IPPPROXY_TLS_KEY", cfg.TLS.KeyFile)
	cfg.MaxRequestSize = getenvInt64("IPPPROXY_MAX_REQUEST_SIZE", cfg.MaxRequestSize)
	cfg.Monitor.Interval = getenvDuration("IPPPROXY_MONITOR_INTERVAL", cfg.Monitor.Interval)
	if v := os.Getenv("IPPPROXY_ALLOWED_NETS"); v != "" {
		cfg.AllowedNets = splitList(v)
	}
}

func applyDerivedDefaults(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "ippproxy.db")
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = filepath.Join(cfg.DataDir, "spool")
	}
	if cfg.ErrorLogPath == "" {
		cfg.ErrorLogPath = filepath.Join(cfg.DataDir, "log", "error_log")
	}
	if cfg.AccessLogPath == "" {
		cfg.AccessLogPath = filepath.Join(cfg.DataDir, "log", "access_log")
	}
	if cfg.PageLogPath == "" {
		cfg.PageLogPath = filepath.Join(cfg.DataDir, "log", "page_log")
	}
	if cfg.TLS.CertFile == "" {
		cfg.TLS.CertFile = filepath.Join(cfg.DataDir, "tls", "server.crt")
	}
	if cfg.TLS.KeyFile == "" {
		cfg.TLS.KeyFile = filepath.Join(cfg.DataDir, "tls", "server.key")
	}
	if cfg.DNSSD.HostName == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.DNSSD.HostName = host
		}
	}
}

// IPPVersion returns the highest protocol version the server answers with.
func (c Config) IPPVersion() (goipp.Version, error) {
	v, err := semver.NewVersion(c.MaxIPPVersion)
	if err != nil {
		return 0, fmt.Errorf("max_ipp_version %q: %w", c.MaxIPPVersion, err)
	}
	if v.Major() < 1 || v.Major() > 2 {
		return 0, fmt.Errorf("max_ipp_version %q: unsupported major version", c.MaxIPPVersion)
	}
	return goipp.MakeVersion(uint8(v.Major()), uint8(v.Minor())), nil
}

func splitList(v string) []string {
	out := []string{}
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		return v == "1" || v == "true" || v == "yes" || v == "on"
	}
	return fallback
}

func getenvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getenvDuration(key string, fallback Duration) Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return Duration{d}
		}
	}
	return fallback
}
