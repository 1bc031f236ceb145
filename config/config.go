// Package config decodes the options mapping handed to agent adapters and
// loads shared defaults from YAML files and the environment.
//
// Unknown keys are ignored so that option sets can grow without breaking
// older adapters.
package config

import (
	"fmt"
	"strings"

	"github.com/hupe1980/agentbridge/logging"
	"github.com/hupe1980/agentbridge/telemetry"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes environment overrides, e.g. AGENTBRIDGE_MAX_ITER.
const EnvPrefix = "AGENTBRIDGE_"

// DefaultMaxIterations bounds runtime tool loops when max_iter is unset.
const DefaultMaxIterations = 10

// Options are the recognized adapter options.
type Options struct {
	// AgentConfig holds runtime specific settings, decoded by the runtime
	// variant with Decode.
	AgentConfig     map[string]any `koanf:"agent_config"`
	AllowDelegation bool           `koanf:"allow_delegation"`
	Verbose         bool           `koanf:"verbose"`

	Role        string `koanf:"role"`
	Goal        string `koanf:"goal"`
	Backstory   string `koanf:"backstory"`
	Instruction string `koanf:"instruction"`

	MaxIterations int `koanf:"max_iter"`

	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// LogConfig configures the adapter logger.
type LogConfig struct {
	Level   string `koanf:"level"`
	Format  string `koanf:"format"` // json, text, console
	NoColor bool   `koanf:"no_color"`
}

// TelemetryConfig selects the span and metric exporter. It is read by
// applications that call Load; per-agent option mappings leave it unset.
type TelemetryConfig struct {
	Exporter       string `koanf:"exporter"` // none, stdout, otlp
	OTLPEndpoint   string `koanf:"otlp_endpoint"`
	OTLPInsecure   bool   `koanf:"otlp_insecure"`
	ServiceName    string `koanf:"service_name"`
	ServiceVersion string `koanf:"service_version"`
}

func defaults() map[string]any {
	return map[string]any{
		"max_iter":   DefaultMaxIterations,
		"log.level":  "info",
		"log.format": "text",
	}
}

// FromMap decodes an options mapping on top of the defaults.
func FromMap(m map[string]any) (*Options, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, err
	}
	if len(m) > 0 {
		if err := k.Load(confmap.Provider(m, "."), nil); err != nil {
			return nil, fmt.Errorf("config: load options: %w", err)
		}
	}
	return unmarshal(k)
}

// Load reads defaults, then the YAML file at path (if any), then
// AGENTBRIDGE_ environment variables.
func Load(path string) (*Options, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, err
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	// AGENTBRIDGE_LOG_LEVEL -> log.level, AGENTBRIDGE_MAX_ITER -> max_iter
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, err
	}

	return unmarshal(k)
}

var sections = []string{"agent_config", "log", "telemetry"}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, section := range sections {
		if strings.HasPrefix(key, section+"_") {
			return section + "." + strings.TrimPrefix(key, section+"_")
		}
	}
	return key
}

func unmarshal(k *koanf.Koanf) (*Options, error) {
	var opts Options
	if err := k.Unmarshal("", &opts); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	return &opts, nil
}

// Decode decodes a runtime specific mapping (usually Options.AgentConfig)
// into out, a pointer to a struct with koanf tags.
func Decode(m map[string]any, out any) error {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(m, "."), nil); err != nil {
		return fmt.Errorf("config: load agent config: %w", err)
	}
	if err := k.Unmarshal("", out); err != nil {
		return fmt.Errorf("config: decode agent config: %w", err)
	}
	return nil
}

// LoggerConfig maps the log section to a logging configuration. Verbose
// forces debug level.
func (o *Options) LoggerConfig() *logging.LoggerConfig {
	cfg := logging.DefaultLoggerConfig()
	cfg.Level = logging.ParseLevel(o.Log.Level)
	if o.Log.Format != "" {
		cfg.Format = o.Log.Format
	}
	cfg.NoColor = o.Log.NoColor
	if o.Verbose {
		cfg.Level = logging.LogLevelDebug
	}
	return cfg
}

// ExportConfig maps the telemetry section to an exporter configuration.
// Providers installed from a loaded file become the otel globals.
func (o *Options) ExportConfig() telemetry.ExportConfig {
	return telemetry.ExportConfig{
		Exporter:       o.Telemetry.Exporter,
		OTLPEndpoint:   o.Telemetry.OTLPEndpoint,
		OTLPInsecure:   o.Telemetry.OTLPInsecure,
		ServiceName:    o.Telemetry.ServiceName,
		ServiceVersion: o.Telemetry.ServiceVersion,
		Global:         true,
	}
}
