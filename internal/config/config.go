// Package config loads viewer settings from YAML files and DICOMSEG_*
// environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mrsinham/dicomseg/internal/segstate"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. DICOMSEG_CACHE_REFERENCE_CAPACITY.
const EnvPrefix = "DICOMSEG"

// Storage backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

// Config is the complete viewer configuration.
type Config struct {
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Style     StyleConfig     `yaml:"style" mapstructure:"style"`
	Segmenter SegmenterConfig `yaml:"segmenter" mapstructure:"segmenter"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Render    RenderConfig    `yaml:"render" mapstructure:"render"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// CacheConfig sizes the image cache.
type CacheConfig struct {
	ReferenceCapacity int `yaml:"reference_capacity" mapstructure:"reference_capacity"`
	LoadConcurrency   int `yaml:"load_concurrency" mapstructure:"load_concurrency"`
}

// StyleConfig is the labelmap style applied to newly attached segmentations.
type StyleConfig struct {
	RenderFill           bool    `yaml:"render_fill" mapstructure:"render_fill"`
	FillAlpha            float64 `yaml:"fill_alpha" mapstructure:"fill_alpha"`
	RenderOutline        bool    `yaml:"render_outline" mapstructure:"render_outline"`
	OutlineWidth         int     `yaml:"outline_width" mapstructure:"outline_width"`
	OutlineAlpha         float64 `yaml:"outline_alpha" mapstructure:"outline_alpha"`
	FillAlphaInactive    float64 `yaml:"fill_alpha_inactive" mapstructure:"fill_alpha_inactive"`
	OutlineAlphaInactive float64 `yaml:"outline_alpha_inactive" mapstructure:"outline_alpha_inactive"`
}

// SegmenterConfig tunes the inference worker.
type SegmenterConfig struct {
	Label        int           `yaml:"label" mapstructure:"label"`
	MinComponent int           `yaml:"min_component" mapstructure:"min_component"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// StorageConfig selects where layer snapshots are persisted.
type StorageConfig struct {
	Backend    string        `yaml:"backend" mapstructure:"backend"`
	Path       string        `yaml:"path" mapstructure:"path"`
	SyncWrites bool          `yaml:"sync_writes" mapstructure:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval" mapstructure:"gc_interval"`
}

// RenderConfig controls overlay previews. An empty OutputDir keeps previews
// in memory only.
type RenderConfig struct {
	OutputDir string `yaml:"output_dir" mapstructure:"output_dir"`
	Scale     int    `yaml:"scale" mapstructure:"scale"`
}

// LogConfig configures the root logger.
type LogConfig struct {
	Level   string `yaml:"level" mapstructure:"level"`
	Console bool   `yaml:"console" mapstructure:"console"`
}

// Default returns the built-in configuration.
func Default() Config {
	st := segstate.DefaultStyle()
	return Config{
		Cache: CacheConfig{ReferenceCapacity: 256, LoadConcurrency: 4},
		Style: StyleConfig{
			RenderFill:           st.RenderFill,
			FillAlpha:            st.FillAlpha,
			RenderOutline:        st.RenderOutline,
			OutlineWidth:         st.OutlineWidth,
			OutlineAlpha:         st.OutlineAlpha,
			FillAlphaInactive:    st.FillAlphaInactive,
			OutlineAlphaInactive: st.OutlineAlphaInactive,
		},
		Segmenter: SegmenterConfig{Label: 1, MinComponent: 4, Timeout: 30 * time.Second},
		Storage:   StorageConfig{Backend: BackendMemory, GCInterval: 5 * time.Minute},
		Render:    RenderConfig{Scale: 1},
		Log:       LogConfig{Level: "info", Console: true},
	}
}

// SegStyle converts the style section.
func (c StyleConfig) SegStyle() segstate.Style {
	return segstate.Style{
		RenderFill:           c.RenderFill,
		FillAlpha:            c.FillAlpha,
		RenderOutline:        c.RenderOutline,
		OutlineWidth:         c.OutlineWidth,
		OutlineAlpha:         c.OutlineAlpha,
		FillAlphaInactive:    c.FillAlphaInactive,
		OutlineAlphaInactive: c.OutlineAlphaInactive,
	}
}

// Load reads path (optional) on top of the defaults, then applies
// DICOMSEG_* environment overrides, and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides reach nested
// fields on Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("cache.reference_capacity", d.Cache.ReferenceCapacity)
	v.SetDefault("cache.load_concurrency", d.Cache.LoadConcurrency)
	v.SetDefault("style.render_fill", d.Style.RenderFill)
	v.SetDefault("style.fill_alpha", d.Style.FillAlpha)
	v.SetDefault("style.render_outline", d.Style.RenderOutline)
	v.SetDefault("style.outline_width", d.Style.OutlineWidth)
	v.SetDefault("style.outline_alpha", d.Style.OutlineAlpha)
	v.SetDefault("style.fill_alpha_inactive", d.Style.FillAlphaInactive)
	v.SetDefault("style.outline_alpha_inactive", d.Style.OutlineAlphaInactive)
	v.SetDefault("segmenter.label", d.Segmenter.Label)
	v.SetDefault("segmenter.min_component", d.Segmenter.MinComponent)
	v.SetDefault("segmenter.timeout", d.Segmenter.Timeout)
	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.sync_writes", d.Storage.SyncWrites)
	v.SetDefault("storage.gc_interval", d.Storage.GCInterval)
	v.SetDefault("render.output_dir", d.Render.OutputDir)
	v.SetDefault("render.scale", d.Render.Scale)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.console", d.Log.Console)
}

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs []error
	if c.Cache.ReferenceCapacity <= 0 {
		errs = append(errs, fmt.Errorf("cache.reference_capacity must be > 0, got %d", c.Cache.ReferenceCapacity))
	}
	if c.Cache.LoadConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("cache.load_concurrency must be > 0, got %d", c.Cache.LoadConcurrency))
	}
	for name, alpha := range map[string]float64{
		"fill_alpha":             c.Style.FillAlpha,
		"outline_alpha":          c.Style.OutlineAlpha,
		"fill_alpha_inactive":    c.Style.FillAlphaInactive,
		"outline_alpha_inactive": c.Style.OutlineAlphaInactive,
	} {
		if alpha < 0 || alpha > 1 {
			errs = append(errs, fmt.Errorf("style.%s must be within [0, 1], got %g", name, alpha))
		}
	}
	if c.Style.OutlineWidth < 0 {
		errs = append(errs, fmt.Errorf("style.outline_width must be >= 0, got %d", c.Style.OutlineWidth))
	}
	if c.Segmenter.Label < 1 || c.Segmenter.Label > 255 {
		errs = append(errs, fmt.Errorf("segmenter.label must be within [1, 255], got %d", c.Segmenter.Label))
	}
	if c.Segmenter.Timeout < 0 {
		errs = append(errs, fmt.Errorf("segmenter.timeout must be >= 0, got %s", c.Segmenter.Timeout))
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendBadger:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for the badger backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be %q or %q, got %q", BackendMemory, BackendBadger, c.Storage.Backend))
	}
	if c.Render.Scale < 1 {
		errs = append(errs, fmt.Errorf("render.scale must be >= 1, got %d", c.Render.Scale))
	}
	return errors.Join(errs...)
}

// LoadFromYAML reads a configuration file without environment overrides.
// Missing keys keep their default values.
func LoadFromYAML(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// WriteYAML encodes cfg to w.
func WriteYAML(w io.Writer, cfg Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return enc.Close()
}

// SaveToYAML writes cfg to path.
func SaveToYAML(cfg Config, path string) error {
	var buf bytes.Buffer
	if err := WriteYAML(&buf, cfg); err != nil {
		return err
	}
	data := buf.Bytes()
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
