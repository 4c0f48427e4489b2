// Package config loads naturalspeech.yml. Values are read from YAML, then
// NS_* environment variables override the scalar settings, and paths are
// expanded before validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/mitchellh/go-homedir"
	gap "github.com/muesli/go-app-paths"
	"gopkg.in/yaml.v3"

	"github.com/naturalspeech/naturalspeech/internal/cache"
	"github.com/naturalspeech/naturalspeech/internal/queue"
	"github.com/naturalspeech/naturalspeech/internal/tts"
	"github.com/naturalspeech/naturalspeech/internal/tts/engines/command"
	"github.com/naturalspeech/naturalspeech/internal/tts/engines/piper"
)

// FileName is the config file looked up in the config dirs.
const FileName = "naturalspeech.yml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NS_"

// Limits enforced by Validate.
const (
	MaxInstances = 8
	MinGainDB    = -80
	MaxGainDB    = 6
)

// Config is the whole configuration file.
type Config struct {
	Piper    PiperConfig    `yaml:"piper" envPrefix:"PIPER_"`
	Models   []ModelConfig  `yaml:"models"`
	Command  CommandConfig  `yaml:"command" envPrefix:"COMMAND_"`
	Fragment FragmentConfig `yaml:"fragment" envPrefix:"FRAGMENT_"`
	Audio    AudioConfig    `yaml:"audio" envPrefix:"AUDIO_"`
	Cache    CacheConfig    `yaml:"cache" envPrefix:"CACHE_"`
	Bus      BusConfig      `yaml:"bus" envPrefix:"BUS_"`
	Metrics  MetricsConfig  `yaml:"metrics" envPrefix:"METRICS_"`
	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
}

// PiperConfig holds defaults shared by every model.
type PiperConfig struct {
	Binary        string        `yaml:"binary" env:"BINARY"`
	Instances     int           `yaml:"instances" env:"INSTANCES"`
	Overflow      int           `yaml:"overflow" env:"OVERFLOW"`
	Respawn       bool          `yaml:"respawn" env:"RESPAWN"`
	Grace         time.Duration `yaml:"grace" env:"GRACE"`
	RenderTimeout time.Duration `yaml:"render_timeout" env:"RENDER_TIMEOUT"`
}

// ModelConfig is one piper model. Zero numeric fields inherit from
// PiperConfig.
type ModelConfig struct {
	Name       string   `yaml:"name"`
	Path       string   `yaml:"path"`
	ConfigPath string   `yaml:"config,omitempty"`
	Voices     []string `yaml:"voices,omitempty"`
	Enabled    *bool    `yaml:"enabled,omitempty"`
	Instances  int      `yaml:"instances,omitempty"`
	Overflow   int      `yaml:"overflow,omitempty"`
	// Speed is a multiplier turned into piper's length scale. Zero means 1.
	Speed float64  `yaml:"speed,omitempty"`
	Args  []string `yaml:"args,omitempty"`
}

// IsEnabled reports whether the model starts with serve. Models are
// enabled unless set otherwise.
func (m ModelConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// CommandConfig configures the external-program engine.
type CommandConfig struct {
	Enabled bool          `yaml:"enabled" env:"ENABLED"`
	Name    string        `yaml:"name" env:"NAME"`
	Command string        `yaml:"command" env:"COMMAND"`
	Voices  []string      `yaml:"voices,omitempty" env:"VOICES"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// FragmentConfig sets the fragmenter limits.
type FragmentConfig struct {
	Soft int `yaml:"soft" env:"SOFT"`
	Hard int `yaml:"hard" env:"HARD"`
}

// AudioConfig selects the output.
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// Output is "oto" for the sound card or "null" to discard audio.
	Output string  `yaml:"output" env:"OUTPUT"`
	GainDB float64 `yaml:"gain_db" env:"GAIN_DB"`
}

// CacheConfig configures the clip cache.
type CacheConfig struct {
	Enabled          bool          `yaml:"enabled" env:"ENABLED"`
	MemoryMB         int           `yaml:"memory_mb" env:"MEMORY_MB"`
	Dir              string        `yaml:"dir" env:"DIR"`
	MaxSizeMB        int           `yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	CompressionLevel int           `yaml:"compression_level,omitempty" env:"COMPRESSION_LEVEL"`
	TTL              time.Duration `yaml:"ttl" env:"TTL"`
}

// BusConfig configures the NATS bridge.
type BusConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	URL     string `yaml:"url" env:"URL"`
	// Embedded runs an in-process server when URL is empty.
	Embedded      bool   `yaml:"embedded" env:"EMBEDDED"`
	Host          string `yaml:"host,omitempty" env:"HOST"`
	Port          int    `yaml:"port" env:"PORT"`
	SubjectPrefix string `yaml:"subject_prefix" env:"SUBJECT_PREFIX"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
	File   string `yaml:"file" env:"FILE"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Piper: PiperConfig{
			Binary:        "piper",
			Instances:     piper.DefaultInstances,
			Overflow:      queue.DefaultOverflow,
			Grace:         2 * time.Second,
			RenderTimeout: 30 * time.Second,
		},
		Command: CommandConfig{
			Name:    "system",
			Command: "espeak-ng --stdout -v {voice} {text}",
			Timeout: 30 * time.Second,
		},
		Fragment: FragmentConfig{Soft: tts.DefaultSoftLimit, Hard: tts.DefaultHardLimit},
		Audio:    AudioConfig{SampleRate: tts.DefaultFormat.SampleRate, Output: "oto"},
		Cache:    CacheConfig{Enabled: true, MemoryMB: 32, MaxSizeMB: 100},
		Bus:      BusConfig{Embedded: true, Host: "127.0.0.1", Port: 4222, SubjectPrefix: "naturalspeech"},
		Metrics:  MetricsConfig{Addr: ":9464"},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("unable to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults, applies environment overrides and
// validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("unable to parse config: %w", err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("unable to read environment: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) expandPaths() error {
	var errs []error
	expand := func(p *string) {
		if *p == "" {
			return
		}
		v, err := homedir.Expand(*p)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*p = v
	}
	expand(&c.Piper.Binary)
	expand(&c.Cache.Dir)
	expand(&c.Log.File)
	for i := range c.Models {
		expand(&c.Models[i].Path)
		expand(&c.Models[i].ConfigPath)
	}
	return errors.Join(errs...)
}

// Validate checks every limit and returns all violations.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Fragment.Soft < 1 || c.Fragment.Soft >= c.Fragment.Hard {
		add("fragment.soft must be at least 1 and below fragment.hard, got %d/%d", c.Fragment.Soft, c.Fragment.Hard)
	}
	if c.Piper.Instances < 1 || c.Piper.Instances > MaxInstances {
		add("piper.instances must be between 1 and %d, got %d", MaxInstances, c.Piper.Instances)
	}
	if c.Piper.Overflow < 1 {
		add("piper.overflow must be at least 1, got %d", c.Piper.Overflow)
	}
	if c.Audio.GainDB < MinGainDB || c.Audio.GainDB > MaxGainDB {
		add("audio.gain_db must be between %d and %d, got %.1f", MinGainDB, MaxGainDB, c.Audio.GainDB)
	}
	if c.Audio.SampleRate <= 0 {
		add("audio.sample_rate must be positive, got %d", c.Audio.SampleRate)
	}
	switch c.Audio.Output {
	case "oto", "null":
	default:
		add("audio.output must be oto or null, got %q", c.Audio.Output)
	}
	if c.Cache.Enabled && (c.Cache.MemoryMB < 1 || c.Cache.MaxSizeMB < 1) {
		add("cache sizes must be at least 1 MB")
	}
	if c.Bus.Enabled && c.Bus.URL == "" && !c.Bus.Embedded {
		add("bus.url is required unless bus.embedded is set")
	}
	if c.Bus.SubjectPrefix == "" {
		add("bus.subject_prefix must not be empty")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		add("log.format must be text or json, got %q", c.Log.Format)
	}

	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		switch {
		case m.Name == "":
			add("models[%d] has no name", i)
		case seen[m.Name]:
			add("model %q is defined twice", m.Name)
		case m.Path == "":
			add("model %q has no path", m.Name)
		}
		seen[m.Name] = true
		if m.Instances < 0 || m.Instances > MaxInstances {
			add("model %q instances must be between 1 and %d, got %d", m.Name, MaxInstances, m.Instances)
		}
		if m.Overflow < 0 {
			add("model %q overflow must be at least 1, got %d", m.Name, m.Overflow)
		}
		if m.Speed != 0 {
			if _, err := piper.LengthScale(m.Speed); err != nil {
				add("model %q: %w", m.Name, err)
			}
		}
	}
	if c.Command.Enabled {
		if c.Command.Name == "" || c.Command.Command == "" {
			add("command engine needs a name and a command")
		}
		if seen[c.Command.Name] {
			add("command engine name %q clashes with a model", c.Command.Name)
		}
	}
	return errors.Join(errs...)
}

// Format returns the playback format.
func (c Config) Format() tts.Format {
	f := tts.DefaultFormat
	f.SampleRate = c.Audio.SampleRate
	return f
}

// FragmentOptions returns the fragmenter limits.
func (c Config) FragmentOptions() tts.FragmentOptions {
	return tts.FragmentOptions{Soft: c.Fragment.Soft, Hard: c.Fragment.Hard}
}

// Model returns the named model.
func (c Config) Model(name string) (ModelConfig, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// PoolConfig returns the pool settings for m with piper defaults filled in.
func (c Config) PoolConfig(m ModelConfig) piper.PoolConfig {
	instances, overflow := m.Instances, m.Overflow
	if instances == 0 {
		instances = c.Piper.Instances
	}
	if overflow == 0 {
		overflow = c.Piper.Overflow
	}
	args := slices.Clone(m.Args)
	if m.Speed != 0 && m.Speed != 1 {
		if scale, err := piper.LengthScale(m.Speed); err == nil {
			args = append(args, "--length_scale", scale)
		}
	}
	return piper.PoolConfig{
		Name:      m.Name,
		Voices:    m.Voices,
		Instances: instances,
		Overflow:  overflow,
		Respawn:   c.Piper.Respawn,
		Worker: piper.WorkerConfig{
			Binary:        c.Piper.Binary,
			Model:         m.Path,
			ConfigPath:    m.ConfigPath,
			Args:          args,
			Grace:         c.Piper.Grace,
			RenderTimeout: c.Piper.RenderTimeout,
		},
	}
}

// PoolConfigs returns the pool settings of every enabled model.
func (c Config) PoolConfigs() []piper.PoolConfig {
	var out []piper.PoolConfig
	for _, m := range c.Models {
		if m.IsEnabled() {
			out = append(out, c.PoolConfig(m))
		}
	}
	return out
}

// CommandEngine returns the command engine settings.
func (c Config) CommandEngine() command.Config {
	return command.Config{
		Name:     c.Command.Name,
		Command:  c.Command.Command,
		Voices:   c.Command.Voices,
		Format:   c.Format(),
		Overflow: c.Piper.Overflow,
		Timeout:  c.Command.Timeout,
	}
}

// ClipCache returns the cache settings.
func (c Config) ClipCache() cache.Config {
	return cache.Config{
		MemoryBytes:      int64(c.Cache.MemoryMB) << 20,
		Dir:              c.Cache.Dir,
		DiskBytes:        int64(c.Cache.MaxSizeMB) << 20,
		CompressionLevel: c.Cache.CompressionLevel,
		TTL:              c.Cache.TTL,
	}
}

// Dirs returns the directories searched for FileName, most specific first.
// NATURALSPEECH_CONFIG_HOME and XDG_CONFIG_HOME take precedence over the
// platform defaults.
func Dirs() ([]string, error) {
	scope := gap.NewScope(gap.User, "naturalspeech")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		return nil, fmt.Errorf("could not find configuration directory: %w", err)
	}
	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "naturalspeech")}, dirs...)
	}
	if c := os.Getenv("NATURALSPEECH_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}
	return dirs, nil
}

// DefaultCacheDir returns the user cache directory for clips.
func DefaultCacheDir() (string, error) {
	scope := gap.NewScope(gap.User, "naturalspeech")
	return scope.CacheDir()
}

// Find returns the first existing config file in Dirs, or the path a new
// one should be written to.
func Find() (path string, exists bool, err error) {
	dirs, err := Dirs()
	if err != nil {
		return "", false, err
	}
	for _, d := range dirs {
		p := filepath.Join(d, FileName)
		if _, err := os.Stat(p); err == nil {
			return p, true, nil
		}
	}
	return filepath.Join(dirs[0], FileName), false, nil
}

// Marshal encodes cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
