package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrInvalid is returned when the configuration file decodes but fails validation
var ErrInvalid = errors.New("invalid configuration")

const (
	defaultResubscribeInterval = 5 * time.Second
	defaultLockFileName        = ".ovs-tunnel-agent.lock"
)

// Config is the agent configuration
type Config struct {
	Database DatabaseConfig
	Local    LocalConfig
	OpenFlow OpenFlowConfig
	Agent    AgentConfig
}

// DatabaseConfig locates the shared Redis directory
type DatabaseConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns the host:port address of the shared store
func (d DatabaseConfig) Addr() string {
	return net.JoinHostPort(d.Host, fmt.Sprintf("%d", d.Port))
}

// LocalConfig describes this node
type LocalConfig struct {
	IPAddr string
}

// OpenFlowConfig points tunnel bridges at the forwarding controller
type OpenFlowConfig struct {
	Connection string
}

// AgentConfig holds process level settings
type AgentConfig struct {
	LockFile            string
	RootHelper          []string
	ResubscribeInterval time.Duration
	MetricsAddress      string
}

type fileConfig struct {
	Database struct {
		Host     string `toml:"host"`
		Port     int    `toml:"port"`
		Password string `toml:"password"`
		DB       int    `toml:"db"`
	} `toml:"database"`
	Local struct {
		IPAddr string `toml:"ipaddr"`
	} `toml:"local"`
	OpenFlow struct {
		Connection string `toml:"ofc_connection"`
	} `toml:"openflow"`
	Agent struct {
		LockFile            string `toml:"lock_file"`
		RootHelper          string `toml:"root_helper"`
		ResubscribeInterval string `toml:"resubscribe_interval"`
		MetricsAddress      string `toml:"metrics_address"`
	} `toml:"agent"`
}

// Default returns a configuration with every optional setting filled in
func Default() Config {
	return Config{
		Agent: AgentConfig{
			LockFile:            filepath.Join(os.TempDir(), defaultLockFileName),
			ResubscribeInterval: defaultResubscribeInterval,
		},
	}
}

// Load reads and validates the configuration file at path
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load config %s: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}

	cfg.Database.Host = strings.TrimSpace(raw.Database.Host)
	cfg.Database.Port = raw.Database.Port
	cfg.Database.Password = raw.Database.Password
	cfg.Database.DB = raw.Database.DB
	cfg.Local.IPAddr = strings.TrimSpace(raw.Local.IPAddr)
	cfg.OpenFlow.Connection = strings.TrimSpace(raw.OpenFlow.Connection)

	if meta.IsDefined("agent", "lock_file") {
		if v := strings.TrimSpace(raw.Agent.LockFile); v != "" {
			cfg.Agent.LockFile = v
		}
	}

	if meta.IsDefined("agent", "root_helper") {
		cfg.Agent.RootHelper = strings.Fields(raw.Agent.RootHelper)
	}

	if meta.IsDefined("agent", "resubscribe_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Agent.ResubscribeInterval))
		if err != nil {
			return Config{}, fmt.Errorf("%w: parse resubscribe_interval: %v", ErrInvalid, err)
		}
		cfg.Agent.ResubscribeInterval = d
	}

	if meta.IsDefined("agent", "metrics_address") {
		cfg.Agent.MetricsAddress = strings.TrimSpace(raw.Agent.MetricsAddress)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the required settings
func (c Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("%w: [database] host can not be blank", ErrInvalid)
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("%w: [database] port %d out of range", ErrInvalid, c.Database.Port)
	}
	if c.Local.IPAddr == "" {
		return fmt.Errorf("%w: [local] ipaddr can not be blank", ErrInvalid)
	}
	if net.ParseIP(c.Local.IPAddr) == nil {
		return fmt.Errorf("%w: [local] ipaddr %q is not an IP address", ErrInvalid, c.Local.IPAddr)
	}
	if c.OpenFlow.Connection == "" {
		return fmt.Errorf("%w: [openflow] ofc_connection can not be blank", ErrInvalid)
	}
	if c.Agent.ResubscribeInterval <= 0 {
		return fmt.Errorf("%w: [agent] resubscribe_interval must be positive", ErrInvalid)
	}
	return nil
}
