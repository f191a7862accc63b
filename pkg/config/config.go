// Package config provides YAML-based configuration loading for rircd.
package config

import (
    "errors"
    "fmt"
    "net/netip"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/spf13/pflag"
    "github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
    // AppName optional logical name of the server
    AppName string `mapstructure:"app_name"`

    // Log holds logging configuration
    Log LogConfig `mapstructure:"log"`

    // Listen holds the plain and TLS bind addresses
    Listen ListenConfig `mapstructure:"listen"`

    // TLS controls where the certificate for the TLS listeners comes from.
    TLS TLSConfig `mapstructure:"tls"`

    // Actor tunes the actor channels and the request/response deadline.
    Actor ActorConfig `mapstructure:"actor"`

    // Admin holds the introspection HTTP server settings
    Admin AdminConfig `mapstructure:"admin"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level"`
    // Format: console or json
    Format string `mapstructure:"format"`
    // Outputs: list of outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs"`

    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development"`
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

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        AppName: "rircd",
        Log: LogConfig{
            Level:       "info",
            Format:      "console",
            Outputs:     []string{"stdout"},
            Development: false,
            Rotation: RotationConfig{
                Enable:     false,
                Filename:   "logs/rircd.log",
                MaxSizeMB:  50,
                MaxBackups: 3,
                MaxAgeDays: 28,
                Compress:   true,
            },
        },
        Listen: ListenConfig{Plain: []string{"0.0.0.0:6667"}},
        TLS:    TLSConfig{},
        Actor: ActorConfig{
            ChannelCapacity: 99,
            CallTimeoutMS:   5000,
            ReadBufferBytes: 512 + 4096,
        },
        Admin: AdminConfig{Listen: ""},
    }
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix RIRCD and `.`/`-` are replaced with `_`.
// Example: RIRCD_LOG_LEVEL=debug
func Load(path string) (*Config, error) { return LoadWithFlags(path, nil) }

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
    "listen":     "listen.plain",
    "listen-tls": "listen.tls",
    "log-level":  "log.level",
    "admin":      "admin.listen",
}

// LoadWithFlags is Load with command line flags taking precedence over the
// file and the environment. Flags that were not set on the command line are
// ignored.
func LoadWithFlags(path string, fs *pflag.FlagSet) (*Config, error) {
    def := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("RIRCD")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    // seed defaults for viper so env-only configs work
    v.SetDefault("app_name", def.AppName)
    v.SetDefault("log.level", def.Log.Level)
    v.SetDefault("log.format", def.Log.Format)
    v.SetDefault("log.outputs", def.Log.Outputs)
    v.SetDefault("log.development", def.Log.Development)
    v.SetDefault("log.rotation.enable", def.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", def.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", def.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", def.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", def.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", def.Log.Rotation.Compress)
    v.SetDefault("listen.plain", def.Listen.Plain)
    v.SetDefault("listen.tls", def.Listen.TLS)
    v.SetDefault("tls.cert_file", def.TLS.CertFile)
    v.SetDefault("tls.key_file", def.TLS.KeyFile)
    v.SetDefault("tls.self_signed", def.TLS.SelfSigned)
    v.SetDefault("actor.channel_capacity", def.Actor.ChannelCapacity)
    v.SetDefault("actor.call_timeout_ms", def.Actor.CallTimeoutMS)
    v.SetDefault("actor.read_buffer_bytes", def.Actor.ReadBufferBytes)
    v.SetDefault("admin.listen", def.Admin.Listen)

    if fs != nil {
        for name, key := range flagKeys {
            if f := fs.Lookup(name); f != nil {
                if err := v.BindPFlag(key, f); err != nil { return nil, fmt.Errorf("bind flag %s: %w", name, err) }
            }
        }
    }

    // Choose config file
    if path == "" {
        if envPath := os.Getenv("RIRCD_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        // Search common locations with base name `rircd`
        v.SetConfigName("rircd")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".rircd"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var viperConfigFileNotFound viper.ConfigFileNotFoundError
        if !errors.As(err, &viperConfigFileNotFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    // decode into a zero value; viper already carries the defaults and a
    // list from the file must replace the default list, not patch it
    cfg := &Config{}
    if err := v.Unmarshal(cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }

    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

func (c *Config) validate() error {
    lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
    switch lvl {
    case "debug", "info", "warn", "warning", "error":
        // ok
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }

    if c.Log.Format == "" {
        c.Log.Format = "console"
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stdout"}
    }
    c.Listen.Plain = splitList(c.Listen.Plain)
    c.Listen.TLS = splitList(c.Listen.TLS)
    if len(c.Listen.Plain) == 0 && len(c.Listen.TLS) == 0 {
        return errors.New("no listen addresses: set listen.plain or listen.tls")
    }
    if c.Actor.ChannelCapacity <= 0 {
        return fmt.Errorf("invalid actor.channel_capacity: %d", c.Actor.ChannelCapacity)
    }
    if c.Actor.CallTimeoutMS <= 0 {
        return fmt.Errorf("invalid actor.call_timeout_ms: %d", c.Actor.CallTimeoutMS)
    }
    if c.Actor.ReadBufferBytes < 512 {
        return fmt.Errorf("actor.read_buffer_bytes too small: %d", c.Actor.ReadBufferBytes)
    }
    if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
        return errors.New("tls.cert_file and tls.key_file must be set together")
    }
    if c.Admin.Listen != "" {
        if _, err := netip.ParseAddrPort(c.Admin.Listen); err != nil {
            return fmt.Errorf("invalid admin.listen %q: %w", c.Admin.Listen, err)
        }
    }
    return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
    cfg, err := Load(path)
    if err != nil {
        panic(err)
    }
    return cfg
}

// splitList flattens comma separated entries; env overrides arrive as one
// string.
func splitList(in []string) []string {
    var out []string
    for _, s := range in {
        for _, p := range strings.Split(s, ",") {
            if p = strings.TrimSpace(p); p != "" { out = append(out, p) }
        }
    }
    return out
}

// CallTimeout converts the configured deadline.
func (a ActorConfig) CallTimeout() time.Duration {
    return time.Duration(a.CallTimeoutMS) * time.Millisecond
}
