// Package config loads the hub's YAML configuration with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName is the logical name of this bus node, used as the transport name.
	AppName string `mapstructure:"app_name"`

	Log       LogConfig       `mapstructure:"log"`
	Bus       BusConfig       `mapstructure:"bus"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Kcp       KcpConfig       `mapstructure:"kcp"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type BusConfig struct {
	RpcTimeoutMS             int    `mapstructure:"rpc_timeout_ms"`
	RouterRpcTimeoutMS       int    `mapstructure:"router_rpc_timeout_ms"`
	JoinSymbol               string `mapstructure:"join_symbol"`
	MaxTransactionDurationMS int    `mapstructure:"max_transaction_duration_ms"`
	LocalRouteAddress        string `mapstructure:"local_route_address"`
	InboxSize                int    `mapstructure:"inbox_size"`
	// Codec: json or cbor
	Codec string `mapstructure:"codec"`
}

func (b BusConfig) RpcTimeout() time.Duration {
	return time.Duration(b.RpcTimeoutMS) * time.Millisecond
}

func (b BusConfig) RouterRpcTimeout() time.Duration {
	return time.Duration(b.RouterRpcTimeoutMS) * time.Millisecond
}

func (b BusConfig) MaxTransactionDuration() time.Duration {
	return time.Duration(b.MaxTransactionDurationMS) * time.Millisecond
}

type WebSocketConfig struct {
	Enable           bool     `mapstructure:"enable"`
	Listen           string   `mapstructure:"listen"`
	Endpoint         string   `mapstructure:"endpoint"`
	AllowAllHosts    bool     `mapstructure:"allow_all_hosts"`
	AllowlistedHosts []string `mapstructure:"allowlisted_hosts"`
	DenylistedHosts  []string `mapstructure:"denylisted_hosts"`
	IdQueryParam     string   `mapstructure:"id_query_param"`
	ExampleIDKey     string   `mapstructure:"example_id_key"`
	MaxConnections   int      `mapstructure:"max_connections"`
	IdleTimeoutMS    int      `mapstructure:"idle_timeout_ms"`
}

type KcpConfig struct {
	Enable       bool   `mapstructure:"enable"`
	Listen       string `mapstructure:"listen"`
	DataShards   int    `mapstructure:"data_shards"`
	ParityShards int    `mapstructure:"parity_shards"`
	ExampleIDKey string `mapstructure:"example_id_key"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "routebus-hub",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/routebus.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Bus: BusConfig{
			RpcTimeoutMS:             30000,
			RouterRpcTimeoutMS:       0,
			JoinSymbol:               ".",
			MaxTransactionDurationMS: 0,
			LocalRouteAddress:        "Remote",
			InboxSize:                256,
			Codec:                    "json",
		},
		WebSocket: WebSocketConfig{
			Enable:        true,
			Listen:        ":3000",
			Endpoint:      "/ws",
			AllowAllHosts: true,
			IdQueryParam:  "id",
			ExampleIDKey:  "peerId",
		},
		Kcp: KcpConfig{
			Enable:       false,
			Listen:       ":30321",
			DataShards:   10,
			ParityShards: 3,
			ExampleIDKey: "peerId",
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise it searches
// common locations. Environment variables use the prefix ROUTEBUS with `.`
// and `-` replaced by `_`, e.g. ROUTEBUS_BUS_RPC_TIMEOUT_MS=5000.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ROUTEBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("bus.rpc_timeout_ms", cfg.Bus.RpcTimeoutMS)
	v.SetDefault("bus.router_rpc_timeout_ms", cfg.Bus.RouterRpcTimeoutMS)
	v.SetDefault("bus.join_symbol", cfg.Bus.JoinSymbol)
	v.SetDefault("bus.max_transaction_duration_ms", cfg.Bus.MaxTransactionDurationMS)
	v.SetDefault("bus.local_route_address", cfg.Bus.LocalRouteAddress)
	v.SetDefault("bus.inbox_size", cfg.Bus.InboxSize)
	v.SetDefault("bus.codec", cfg.Bus.Codec)
	v.SetDefault("websocket.enable", cfg.WebSocket.Enable)
	v.SetDefault("websocket.listen", cfg.WebSocket.Listen)
	v.SetDefault("websocket.endpoint", cfg.WebSocket.Endpoint)
	v.SetDefault("websocket.allow_all_hosts", cfg.WebSocket.AllowAllHosts)
	v.SetDefault("websocket.allowlisted_hosts", cfg.WebSocket.AllowlistedHosts)
	v.SetDefault("websocket.denylisted_hosts", cfg.WebSocket.DenylistedHosts)
	v.SetDefault("websocket.id_query_param", cfg.WebSocket.IdQueryParam)
	v.SetDefault("websocket.example_id_key", cfg.WebSocket.ExampleIDKey)
	v.SetDefault("websocket.max_connections", cfg.WebSocket.MaxConnections)
	v.SetDefault("websocket.idle_timeout_ms", cfg.WebSocket.IdleTimeoutMS)
	v.SetDefault("kcp.enable", cfg.Kcp.Enable)
	v.SetDefault("kcp.listen", cfg.Kcp.Listen)
	v.SetDefault("kcp.data_shards", cfg.Kcp.DataShards)
	v.SetDefault("kcp.parity_shards", cfg.Kcp.ParityShards)
	v.SetDefault("kcp.example_id_key", cfg.Kcp.ExampleIDKey)

	if path == "" {
		if envPath := os.Getenv("ROUTEBUS_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("routebus")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".routebus"))
		}
	}

	// a missing config file is fine; defaults and env still apply
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes cfg and rejects values the bus cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if strings.TrimSpace(c.AppName) == "" {
		c.AppName = "routebus-hub"
	}

	if c.Bus.JoinSymbol == "" {
		return fmt.Errorf("bus.join_symbol must not be empty")
	}
	if c.Bus.RpcTimeoutMS <= 0 {
		return fmt.Errorf("bus.rpc_timeout_ms must be positive, got %d", c.Bus.RpcTimeoutMS)
	}
	if c.Bus.RouterRpcTimeoutMS < 0 || c.Bus.MaxTransactionDurationMS < 0 {
		return fmt.Errorf("bus timeouts must not be negative")
	}
	if c.Bus.InboxSize < 0 {
		return fmt.Errorf("bus.inbox_size must not be negative, got %d", c.Bus.InboxSize)
	}
	c.Bus.Codec = strings.ToLower(strings.TrimSpace(c.Bus.Codec))
	switch c.Bus.Codec {
	case "", "json", "cbor":
	default:
		return fmt.Errorf("invalid bus.codec: %q", c.Bus.Codec)
	}
	if (c.WebSocket.Enable || c.Kcp.Enable) && c.Bus.LocalRouteAddress == "" {
		return fmt.Errorf("bus.local_route_address is required when a tunnel is enabled")
	}
	if strings.HasSuffix(c.Bus.LocalRouteAddress, c.Bus.JoinSymbol) {
		return fmt.Errorf("bus.local_route_address must not end with the join symbol")
	}
	if c.WebSocket.Enable && c.WebSocket.Listen == "" {
		return fmt.Errorf("websocket.listen is required when websocket is enabled")
	}
	if c.Kcp.Enable && c.Kcp.Listen == "" {
		return fmt.Errorf("kcp.listen is required when kcp is enabled")
	}
	return nil
}
