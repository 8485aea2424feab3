package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rudransh-shrivastava/peer-sync/internal/protocol"
	"github.com/spf13/viper"
)

const (
	EnvPrefix      = "PEERSYNC"
	configFileName = "peer-sync"
)

type Role string

const (
	RoleClient  Role = "client"
	RoleStorage Role = "storage"
)

var (
	ErrInvalidRole    = errors.New("config: role must be client or storage")
	ErrMissingDevice  = errors.New("config: device.id is required")
	ErrInvalidSetting = errors.New("config: invalid setting")
)

type Config struct {
	Role      Role            `mapstructure:"role"`
	Log       LogConfig       `mapstructure:"log"`
	Signal    SignalConfig    `mapstructure:"signal"`
	Device    DeviceConfig    `mapstructure:"device"`
	STUN      STUNConfig      `mapstructure:"stun"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	WebRTC    WebRTCConfig    `mapstructure:"webrtc"`
	Relay     RelayConfig     `mapstructure:"relay"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type SignalConfig struct {
	URL string `mapstructure:"url"`
}

type DeviceConfig struct {
	ID       string `mapstructure:"id"`
	Password string `mapstructure:"password"`
}

type STUNConfig struct {
	Main   string `mapstructure:"main"`
	Backup string `mapstructure:"backup"`
}

type VaultConfig struct {
	Root     string   `mapstructure:"root"`
	Reserved string   `mapstructure:"reserved"`
	Ignore   []string `mapstructure:"ignore"`
}

type JournalConfig struct {
	Path string `mapstructure:"path"`
}

type SyncConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	UpdateDelay    time.Duration `mapstructure:"update_delay"`
	GuardWindow    time.Duration `mapstructure:"guard_window"`
	MtimeThreshold time.Duration `mapstructure:"mtime_threshold"`
	ChunkSize      int           `mapstructure:"chunk_size"`
	MaxFileSize    int64         `mapstructure:"max_file_size"`
}

type ReconnectConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	Delay      time.Duration `mapstructure:"delay"`
}

type WebRTCConfig struct {
	GatherTimeout time.Duration `mapstructure:"gather_timeout"`
}

type RelayConfig struct {
	Addr    string   `mapstructure:"addr"`
	Devices []string `mapstructure:"devices"`
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("role", string(RoleClient))
	v.SetDefault("log.level", "info")
	v.SetDefault("signal.url", "ws://signal.betax.dev")
	v.SetDefault("device.id", "")
	v.SetDefault("device.password", "")
	v.SetDefault("stun.main", "stun:stun.l.google.com:19302")
	v.SetDefault("stun.backup", "stun:stun.nextcloud.com:443")
	v.SetDefault("vault.root", "./vault")
	v.SetDefault("vault.reserved", ".obsidian")
	v.SetDefault("vault.ignore", []string{})
	v.SetDefault("journal.path", "peer-sync.sqlite3")
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.update_delay", 2*time.Second)
	v.SetDefault("sync.guard_window", 2*time.Second)
	v.SetDefault("sync.mtime_threshold", 3*time.Second)
	v.SetDefault("sync.chunk_size", 40*1024)
	v.SetDefault("sync.max_file_size", 1<<30)
	v.SetDefault("reconnect.max_retries", 3)
	v.SetDefault("reconnect.delay", 3*time.Second)
	v.SetDefault("webrtc.gather_timeout", 5*time.Second)
	v.SetDefault("relay.addr", ":8080")
	v.SetDefault("relay.devices", []string{})
}

// Load reads the optional config file, then PEERSYNC_* environment
// variables, on top of the defaults. An empty path searches the working
// directory and ~/.config/peer-sync.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configFileName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/peer-sync")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings needed to run a peer in the configured role.
func (c *Config) Validate() error {
	if c.Role != RoleClient && c.Role != RoleStorage {
		return fmt.Errorf("%w: %q", ErrInvalidRole, c.Role)
	}
	if c.Device.ID == "" {
		return ErrMissingDevice
	}
	if c.Signal.URL == "" {
		return fmt.Errorf("%w: signal.url is empty", ErrInvalidSetting)
	}
	if c.Sync.ChunkSize <= 0 || c.Sync.ChunkSize > protocol.MaxChunkSize {
		return fmt.Errorf("%w: sync.chunk_size must be between 1 and %d", ErrInvalidSetting, protocol.MaxChunkSize)
	}
	if c.Sync.MaxFileSize < 0 {
		return fmt.Errorf("%w: sync.max_file_size must not be negative", ErrInvalidSetting)
	}
	if c.Reconnect.MaxRetries < 0 {
		return fmt.Errorf("%w: reconnect.max_retries must not be negative", ErrInvalidSetting)
	}
	return nil
}

// STUNServers returns the configured main and backup servers, skipping
// blanks.
func (c *Config) STUNServers() []string {
	var servers []string
	for _, s := range []string{c.STUN.Main, c.STUN.Backup} {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	return servers
}
