package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads as "5s" in every config format.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type ModelConfig struct {
	// Kind is "echo" or "remote".
	Kind    string   `json:"kind" yaml:"kind" toml:"kind"`
	URL     string   `json:"url" yaml:"url" toml:"url"`
	Timeout Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
}

type CORSConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
}

// Config holds runtime parameters for the demo server.
// Load starts from Defaults, so keys missing from a file keep their default.
type Config struct {
	Host       string `json:"host" yaml:"host" toml:"host"`
	Port       int    `json:"port" yaml:"port" toml:"port"`
	PortWindow int    `json:"port_window" yaml:"port_window" toml:"port_window"`
	BrokerURL  string `json:"broker_url" yaml:"broker_url" toml:"broker_url"`

	// TemplateDir and StaticDir replace the embedded assets when set.
	TemplateDir string `json:"template_dir" yaml:"template_dir" toml:"template_dir"`
	StaticDir   string `json:"static_dir" yaml:"static_dir" toml:"static_dir"`
	ServeDir    string `json:"serve_dir" yaml:"serve_dir" toml:"serve_dir"`
	FlagDir     string `json:"flag_dir" yaml:"flag_dir" toml:"flag_dir"`
	FlagFile    string `json:"flag_file" yaml:"flag_file" toml:"flag_file"`

	Input  string      `json:"input" yaml:"input" toml:"input"`
	Output string      `json:"output" yaml:"output" toml:"output"`
	Model  ModelConfig `json:"model" yaml:"model" toml:"model"`

	Share        bool `json:"share" yaml:"share" toml:"share"`
	ShareRetries int  `json:"share_retries" yaml:"share_retries" toml:"share_retries"`

	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	AccessLog string `json:"access_log" yaml:"access_log" toml:"access_log"`
	Metrics   bool   `json:"metrics" yaml:"metrics" toml:"metrics"`

	CORS             CORSConfig `json:"cors" yaml:"cors" toml:"cors"`
	MaxBodyBytes     int64      `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	PredictTimeout   Duration   `json:"predict_timeout" yaml:"predict_timeout" toml:"predict_timeout"`
	ShutdownTimeout  Duration   `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	Watch            bool       `json:"watch" yaml:"watch" toml:"watch"`
	SerializePredict bool       `json:"serialize_predict" yaml:"serialize_predict" toml:"serialize_predict"`
}

const (
	DefaultHost       = "localhost"
	DefaultPort       = 7860
	DefaultPortWindow = 100
	DefaultBrokerURL  = "https://api.gradio.app/v1/tunnel-request"
)

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Host:            DefaultHost,
		Port:            DefaultPort,
		PortWindow:      DefaultPortWindow,
		BrokerURL:       DefaultBrokerURL,
		ServeDir:        "site",
		FlagDir:         "static/flagged",
		FlagFile:        "data.txt",
		Input:           "textbox",
		Output:          "textbox",
		Model:           ModelConfig{Kind: "echo", Timeout: Duration(30 * time.Second)},
		LogLevel:        "info",
		AccessLog:       "off",
		MaxBodyBytes:    8 << 20,
		ShutdownTimeout: Duration(5 * time.Second),
	}
}

// Load reads a configuration file based on its extension on top of Defaults.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	cfg := Defaults()
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
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DEMOSERVE_"

// ApplyEnv overrides fields from DEMOSERVE_* variables that are set.
// Malformed values are reported together.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(p *string) func(string) error {
		return func(v string) error { *p = v; return nil }
	}
	num := func(p *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			if err == nil {
				*p = n
			}
			return err
		}
	}
	flag := func(p *bool) func(string) error {
		return func(v string) error {
			b, err := strconv.ParseBool(v)
			if err == nil {
				*p = b
			}
			return err
		}
	}
	dur := func(p *Duration) func(string) error {
		return func(v string) error { return p.UnmarshalText([]byte(v)) }
	}
	binds := []struct {
		name string
		set  func(string) error
	}{
		{"HOST", str(&c.Host)},
		{"PORT", num(&c.Port)},
		{"PORT_WINDOW", num(&c.PortWindow)},
		{"BROKER_URL", str(&c.BrokerURL)},
		{"TEMPLATE_DIR", str(&c.TemplateDir)},
		{"STATIC_DIR", str(&c.StaticDir)},
		{"SERVE_DIR", str(&c.ServeDir)},
		{"FLAG_DIR", str(&c.FlagDir)},
		{"FLAG_FILE", str(&c.FlagFile)},
		{"INPUT", str(&c.Input)},
		{"OUTPUT", str(&c.Output)},
		{"MODEL_KIND", str(&c.Model.Kind)},
		{"MODEL_URL", str(&c.Model.URL)},
		{"MODEL_TIMEOUT", dur(&c.Model.Timeout)},
		{"SHARE", flag(&c.Share)},
		{"SHARE_RETRIES", num(&c.ShareRetries)},
		{"LOG_LEVEL", str(&c.LogLevel)},
		{"ACCESS_LOG", str(&c.AccessLog)},
		{"METRICS", flag(&c.Metrics)},
		{"CORS", flag(&c.CORS.Enabled)},
		{"CORS_ORIGINS", func(v string) error { c.CORS.AllowedOrigins = splitList(v); return nil }},
		{"MAX_BODY_BYTES", func(v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			if err == nil {
				c.MaxBodyBytes = n
			}
			return err
		}},
		{"PREDICT_TIMEOUT", dur(&c.PredictTimeout)},
		{"SHUTDOWN_TIMEOUT", dur(&c.ShutdownTimeout)},
		{"WATCH", flag(&c.Watch)},
		{"SERIALIZE_PREDICT", flag(&c.SerializePredict)},
	}
	var errs []error
	for _, b := range binds {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok {
			continue
		}
		if err := b.set(strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, b.name, err))
		}
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.PortWindow < 1 {
		errs = append(errs, fmt.Errorf("port_window must be positive, got %d", c.PortWindow))
	} else if c.Port+c.PortWindow-1 > 65535 {
		errs = append(errs, fmt.Errorf("port window [%d, %d) exceeds 65535", c.Port, c.Port+c.PortWindow))
	}
	if c.ServeDir == "" {
		errs = append(errs, errors.New("serve_dir is required"))
	}
	if c.Input == "" || c.Output == "" {
		errs = append(errs, errors.New("input and output kinds are required"))
	}
	switch c.Model.Kind {
	case "echo":
	case "remote":
		if c.Model.URL == "" {
			errs = append(errs, errors.New("model.url is required for remote models"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown model kind %q", c.Model.Kind))
	}
	if c.Share && c.BrokerURL == "" {
		errs = append(errs, errors.New("broker_url is required to share"))
	}
	if c.ShareRetries < 0 {
		errs = append(errs, fmt.Errorf("share_retries must not be negative"))
	}
	if c.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("max_body_bytes must not be negative"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	switch c.AccessLog {
	case "", "off", "error", "info", "debug":
	default:
		errs = append(errs, fmt.Errorf("unknown access_log level %q", c.AccessLog))
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c Config) Level() (zerolog.Level, error) {
	if c.LogLevel == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}
