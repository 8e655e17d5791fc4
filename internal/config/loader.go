package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"inferd/internal/model"
	"inferd/internal/platform"
)

// Config holds runtime parameters for the service. Durations are strings
// ("90s", "10m", or bare seconds) so every file format spells them alike.
// Zero values mean "unspecified"; Merge fills them from Default().
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	LogLevel     string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat    string `json:"log_format" yaml:"log_format" toml:"log_format"`
	HTTPLogLevel string `json:"http_log_level" yaml:"http_log_level" toml:"http_log_level"`

	Variant string `json:"variant" yaml:"variant" toml:"variant"`
	Device  string `json:"device" yaml:"device" toml:"device"`

	Workers         int    `json:"workers" yaml:"workers" toml:"workers"`
	QueueDepth      int    `json:"queue_depth" yaml:"queue_depth" toml:"queue_depth"`
	MaxWait         string `json:"max_wait" yaml:"max_wait" toml:"max_wait"`
	GenerateTimeout string `json:"generate_timeout" yaml:"generate_timeout" toml:"generate_timeout"`

	LlamaURL          string   `json:"llama_url" yaml:"llama_url" toml:"llama_url"`
	LlamaAPIKey       string   `json:"llama_api_key" yaml:"llama_api_key" toml:"llama_api_key"`
	LlamaBin          string   `json:"llama_bin" yaml:"llama_bin" toml:"llama_bin"`
	LlamaHost         string   `json:"llama_host" yaml:"llama_host" toml:"llama_host"`
	LlamaPortStart    int      `json:"llama_port_start" yaml:"llama_port_start" toml:"llama_port_start"`
	LlamaPortEnd      int      `json:"llama_port_end" yaml:"llama_port_end" toml:"llama_port_end"`
	LlamaCtxSize      int      `json:"llama_ctx_size" yaml:"llama_ctx_size" toml:"llama_ctx_size"`
	LlamaThreads      int      `json:"llama_threads" yaml:"llama_threads" toml:"llama_threads"`
	LlamaArgs         []string `json:"llama_args" yaml:"llama_args" toml:"llama_args"`
	LlamaReadyTimeout string   `json:"llama_ready_timeout" yaml:"llama_ready_timeout" toml:"llama_ready_timeout"`

	ImageMaxPixels  int    `json:"image_max_pixels" yaml:"image_max_pixels" toml:"image_max_pixels"`
	ImageMinPixels  int    `json:"image_min_pixels" yaml:"image_min_pixels" toml:"image_min_pixels"`
	ImageMaxBytes   int64  `json:"image_max_bytes" yaml:"image_max_bytes" toml:"image_max_bytes"`
	ImageTimeout    string `json:"image_timeout" yaml:"image_timeout" toml:"image_timeout"`
	ImageAllowLocal bool   `json:"image_allow_local" yaml:"image_allow_local" toml:"image_allow_local"`

	Sampling model.Sampling `json:"sampling" yaml:"sampling" toml:"sampling"`

	CORSEnabled  bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins  []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	CORSMethods  []string `json:"cors_methods" yaml:"cors_methods" toml:"cors_methods"`
	CORSHeaders  []string `json:"cors_headers" yaml:"cors_headers" toml:"cors_headers"`
	MaxBodyBytes int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:            ":8080",
		LogLevel:        "info",
		LogFormat:       "console",
		HTTPLogLevel:    "info",
		Variant:         string(model.VariantVision),
		Device:          "auto",
		GenerateTimeout: "10m",
		LlamaHost:       "127.0.0.1",
		MaxBodyBytes:    1 << 20,
	}
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Merge returns base with every non-zero field of over applied on top.
// Booleans can only be switched on by over.
func Merge(base, over Config) Config {
	out := base
	str := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	num := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	list := func(dst *[]string, v []string) {
		if len(v) > 0 {
			*dst = append([]string(nil), v...)
		}
	}

	str(&out.Addr, over.Addr)
	str(&out.LogLevel, over.LogLevel)
	str(&out.LogFormat, over.LogFormat)
	str(&out.HTTPLogLevel, over.HTTPLogLevel)
	str(&out.Variant, over.Variant)
	str(&out.Device, over.Device)
	num(&out.Workers, over.Workers)
	num(&out.QueueDepth, over.QueueDepth)
	str(&out.MaxWait, over.MaxWait)
	str(&out.GenerateTimeout, over.GenerateTimeout)

	str(&out.LlamaURL, over.LlamaURL)
	str(&out.LlamaAPIKey, over.LlamaAPIKey)
	str(&out.LlamaBin, over.LlamaBin)
	str(&out.LlamaHost, over.LlamaHost)
	num(&out.LlamaPortStart, over.LlamaPortStart)
	num(&out.LlamaPortEnd, over.LlamaPortEnd)
	num(&out.LlamaCtxSize, over.LlamaCtxSize)
	num(&out.LlamaThreads, over.LlamaThreads)
	list(&out.LlamaArgs, over.LlamaArgs)
	str(&out.LlamaReadyTimeout, over.LlamaReadyTimeout)

	num(&out.ImageMaxPixels, over.ImageMaxPixels)
	num(&out.ImageMinPixels, over.ImageMinPixels)
	if over.ImageMaxBytes != 0 {
		out.ImageMaxBytes = over.ImageMaxBytes
	}
	str(&out.ImageTimeout, over.ImageTimeout)
	out.ImageAllowLocal = out.ImageAllowLocal || over.ImageAllowLocal

	if over.Sampling != (model.Sampling{}) {
		out.Sampling = over.Sampling
	}

	out.CORSEnabled = out.CORSEnabled || over.CORSEnabled
	list(&out.CORSOrigins, over.CORSOrigins)
	list(&out.CORSMethods, over.CORSMethods)
	list(&out.CORSHeaders, over.CORSHeaders)
	if over.MaxBodyBytes != 0 {
		out.MaxBodyBytes = over.MaxBodyBytes
	}
	return out
}

// Timeouts are the parsed duration fields of a Config.
type Timeouts struct {
	MaxWait    time.Duration
	Generate   time.Duration
	LlamaReady time.Duration
	Image      time.Duration
}

// Timeouts parses the duration fields. An explicit "0" generate_timeout
// disables the limit and is reported as a negative duration.
func (c Config) Timeouts() (Timeouts, error) {
	var t Timeouts
	var err error
	if t.MaxWait, err = ParseDuration(c.MaxWait); err != nil {
		return t, fmt.Errorf("max_wait: %w", err)
	}
	if t.Generate, err = ParseDuration(c.GenerateTimeout); err != nil {
		return t, fmt.Errorf("generate_timeout: %w", err)
	}
	if t.Generate == 0 && strings.TrimSpace(c.GenerateTimeout) != "" {
		t.Generate = -1
	}
	if t.LlamaReady, err = ParseDuration(c.LlamaReadyTimeout); err != nil {
		return t, fmt.Errorf("llama_ready_timeout: %w", err)
	}
	if t.Image, err = ParseDuration(c.ImageTimeout); err != nil {
		return t, fmt.Errorf("image_timeout: %w", err)
	}
	return t, nil
}

// Validate checks the enumerated and duration fields.
func (c Config) Validate() error {
	if c.Variant != "" {
		if _, err := model.ParseVariant(c.Variant); err != nil {
			return err
		}
	}
	if d := strings.ToLower(strings.TrimSpace(c.Device)); d != "" && d != "auto" {
		if _, ok := platform.Parse(d); !ok {
			return fmt.Errorf("unknown device %q", c.Device)
		}
	}
	if c.LlamaPortStart > 0 && c.LlamaPortEnd > 0 && c.LlamaPortEnd < c.LlamaPortStart {
		return fmt.Errorf("llama_port_end %d is below llama_port_start %d", c.LlamaPortEnd, c.LlamaPortStart)
	}
	_, err := c.Timeouts()
	return err
}

// ParseDuration accepts Go duration strings and bare integers as seconds.
// "" yields 0.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
