// Package config loads the host's static configuration with viper,
// generalizing the teacher's hardcoded loadConfig() in core/main.go into a
// layered file-plus-environment configuration the way firestige-Otus's
// config loader does for its own daemon.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the host's static configuration: listen address, the handful of
// knobs net_chan.c exposed as cvars, and the ambient-stack surfaces.
type Config struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	MaxPlayers    int    `mapstructure:"max_players"`
	ServerName    string `mapstructure:"server_name"`
	Rate          int    `mapstructure:"rate"`
	ShowPackets   bool   `mapstructure:"show_packets"`
	ShowDrop      bool   `mapstructure:"show_drop"`
	ChokeLoopback bool   `mapstructure:"choke_loopback"`
	MetricsAddr   string `mapstructure:"metrics_addr"`
	LogLevel      string `mapstructure:"log_level"`
}

// Defaults mirrors the values net_chan.c's cvars default to.
func Defaults() Config {
	return Config{
		Host:          "0.0.0.0",
		Port:          26000,
		MaxPlayers:    32,
		ServerName:    "netchan server",
		Rate:          9999,
		ShowPackets:   false,
		ShowDrop:      false,
		ChokeLoopback: false,
		MetricsAddr:   ":9100",
		LogLevel:      "info",
	}
}

// Load reads path (if non-empty and present) and layers NETCHAN_-prefixed
// environment variables on top, the way firestige-Otus's otus config loader
// layers OTUS_-prefixed env vars over a YAML file.
func Load(path string) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	setDefaults(v, cfg)

	v.SetEnvPrefix("NETCHAN")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if path != "" {
		dir := filepath.Dir(path)
		filename := filepath.Base(path)
		ext := filepath.Ext(filename)
		v.SetConfigName(strings.TrimSuffix(filename, ext))
		v.SetConfigType(strings.TrimPrefix(ext, "."))
		v.AddConfigPath(dir)

		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return Config{}, errors.Wrapf(err, "read config file %s", path)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("host", cfg.Host)
	v.SetDefault("port", cfg.Port)
	v.SetDefault("max_players", cfg.MaxPlayers)
	v.SetDefault("server_name", cfg.ServerName)
	v.SetDefault("rate", cfg.Rate)
	v.SetDefault("show_packets", cfg.ShowPackets)
	v.SetDefault("show_drop", cfg.ShowDrop)
	v.SetDefault("choke_loopback", cfg.ChokeLoopback)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)
	v.SetDefault("log_level", cfg.LogLevel)
}

// Addr formats the listen address for net.ResolveUDPAddr.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
