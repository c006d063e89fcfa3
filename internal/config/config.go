// Package config loads voxtral-stream's hierarchical configuration:
// compiled-in defaults, overridden by an optional config file, overridden
// by VOXTRAL_-prefixed environment variables, overridden by CLI flags --
// spf13/viper's usual precedence order.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the full process configuration, decoded from viper into one
// mapstructure-tagged tree.
type Config struct {
	Paths    PathsConfig   `mapstructure:"paths"`
	Runtime  RuntimeConfig `mapstructure:"runtime"`
	Session  SessionConfig `mapstructure:"session"`
	Server   ServerConfig  `mapstructure:"server"`
	LogLevel string        `mapstructure:"log_level"`
}

// PathsConfig names on-disk or Hub locations for model artifacts.
type PathsConfig struct {
	ModelDir string `mapstructure:"model_dir"`
}

// RuntimeConfig governs the tensor runtime's goroutine fan-out.
type RuntimeConfig struct {
	Threads     int `mapstructure:"threads"`
	ConvWorkers int `mapstructure:"conv_workers"`
}

// SessionConfig mirrors internal/session.Config's realtime options so they
// can be set from a config file, environment, or CLI flags.
type SessionConfig struct {
	Temperature          float64 `mapstructure:"temperature"`
	ChunkDurationMS      int     `mapstructure:"chunk_duration_ms"`
	TranscriptionDelayMS int     `mapstructure:"transcription_delay_ms"`
	RightPadTokens       int     `mapstructure:"right_pad_tokens"`
	DecoderWindowTokens  int     `mapstructure:"decoder_window_tokens"`
	MaxNewTokens         int     `mapstructure:"max_new_tokens"`
}

// ServerConfig configures the HTTP streaming transcription endpoint.
type ServerConfig struct {
	ListenAddr         string `mapstructure:"listen_addr"`
	ShutdownTimeoutSec int    `mapstructure:"shutdown_timeout_secs"`
	MaxBacklogMS       int    `mapstructure:"max_backlog_ms"`
}

// LoadOptions parameterizes Load.
type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

// DefaultConfig returns voxtral-stream's compiled-in defaults.
func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			ModelDir: "",
		},
		Runtime: RuntimeConfig{
			Threads:     4,
			ConvWorkers: 2,
		},
		Session: SessionConfig{
			Temperature:          0,
			ChunkDurationMS:      80,
			TranscriptionDelayMS: 0,
			RightPadTokens:       17,
			DecoderWindowTokens:  0,
			MaxNewTokens:         0,
		},
		Server: ServerConfig{
			ListenAddr:         ":8080",
			ShutdownTimeoutSec: 30,
			MaxBacklogMS:       2000,
		},
		LogLevel: "info",
	}
}

// RegisterFlags binds every config field to a CLI flag carrying its
// default, so cobra commands can both display and override it.
func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("model", defaults.Paths.ModelDir, "Model id (Hub repo) or local directory")
	fs.Int("runtime-threads", defaults.Runtime.Threads, "Tensor runtime goroutine pool size")
	fs.Int("conv-workers", defaults.Runtime.ConvWorkers, "Parallel goroutines for Conv1D kernels (1 = sequential)")
	fs.Float64("temperature", defaults.Session.Temperature, "Sampling temperature (0 = greedy argmax)")
	fs.Int("chunk-ms", defaults.Session.ChunkDurationMS, "Realtime session chunk duration in milliseconds")
	fs.Int("transcription-delay-ms", defaults.Session.TranscriptionDelayMS, "Override the tokenizer's published transcription delay")
	fs.Int("right-pad-tokens", defaults.Session.RightPadTokens, "Trailing silence tokens appended by finish_stream")
	fs.Int("decoder-window", defaults.Session.DecoderWindowTokens, "Decoder rotating KV cache window in tokens")
	fs.Int("max-new-tokens", defaults.Session.MaxNewTokens, "Cap on generated tokens (stored in config; no command reads it, transcribe takes its own --max-new-tokens)")
	fs.String("listen-addr", defaults.Server.ListenAddr, "HTTP listen address for the serve command")
	fs.Int("shutdown-timeout", defaults.Server.ShutdownTimeoutSec, "Graceful shutdown drain timeout in seconds")
	fs.Int("max-backlog-ms", defaults.Server.MaxBacklogMS, "Max buffered audio backlog in milliseconds (stored in config; no command reads it)")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

// Load resolves Config from defaults, an optional config file, environment
// variables under a VOXTRAL_ prefix, and finally any bound CLI flags, in
// increasing order of precedence.
func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := v.BindPFlags(opts.Cmd.Flags()); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	registerAliases(v)

	v.SetEnvPrefix("VOXTRAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("voxtral-stream")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.model_dir", c.Paths.ModelDir)
	v.SetDefault("runtime.threads", c.Runtime.Threads)
	v.SetDefault("runtime.conv_workers", c.Runtime.ConvWorkers)
	v.SetDefault("session.temperature", c.Session.Temperature)
	v.SetDefault("session.chunk_duration_ms", c.Session.ChunkDurationMS)
	v.SetDefault("session.transcription_delay_ms", c.Session.TranscriptionDelayMS)
	v.SetDefault("session.right_pad_tokens", c.Session.RightPadTokens)
	v.SetDefault("session.decoder_window_tokens", c.Session.DecoderWindowTokens)
	v.SetDefault("session.max_new_tokens", c.Session.MaxNewTokens)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.shutdown_timeout_secs", c.Server.ShutdownTimeoutSec)
	v.SetDefault("server.max_backlog_ms", c.Server.MaxBacklogMS)
	v.SetDefault("log_level", c.LogLevel)
}

func registerAliases(v *viper.Viper) {
	v.RegisterAlias("paths.model_dir", "model")
	v.RegisterAlias("runtime.threads", "runtime-threads")
	v.RegisterAlias("runtime.conv_workers", "conv-workers")
	v.RegisterAlias("session.temperature", "temperature")
	v.RegisterAlias("session.chunk_duration_ms", "chunk-ms")
	v.RegisterAlias("session.transcription_delay_ms", "transcription-delay-ms")
	v.RegisterAlias("session.right_pad_tokens", "right-pad-tokens")
	v.RegisterAlias("session.decoder_window_tokens", "decoder-window")
	v.RegisterAlias("session.max_new_tokens", "max-new-tokens")
	v.RegisterAlias("server.listen_addr", "listen-addr")
	v.RegisterAlias("server.shutdown_timeout_secs", "shutdown-timeout")
	v.RegisterAlias("server.max_backlog_ms", "max-backlog-ms")
	v.RegisterAlias("log_level", "log-level")
}
