package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	History     HistoryConfig    `yaml:"history"`
	Voices      VoicesConfig     `yaml:"voices"`
	Model       ModelConfig      `yaml:"model"`
	Generation  GenerationConfig `yaml:"generation"`
	Output      OutputConfig     `yaml:"output"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// HistoryConfig controls the SQLite job history.
type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"` // ephemeral, persistent
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type VoicesConfig struct {
	Directory string `yaml:"directory"`
}

type ModelConfig struct {
	Mode              string `yaml:"mode"` // mock, exec
	Command           string `yaml:"command"`
	Version           string `yaml:"version"`
	SampleRate        int    `yaml:"sample_rate"`
	EmbeddingSize     int    `yaml:"embedding_size"`
	Concurrent        bool   `yaml:"concurrent"`
	RequirePhonemizer bool   `yaml:"require_phonemizer"`
}

type GenerationConfig struct {
	MaxChunkLength        int     `yaml:"max_chunk_length"`
	SilenceMS             int     `yaml:"silence_ms"`
	Normalize             bool    `yaml:"normalize"`
	TargetPeak            float64 `yaml:"target_peak"`
	SpeedMin              float64 `yaml:"speed_min"`
	SpeedMax              float64 `yaml:"speed_max"`
	Workers               int     `yaml:"workers"`
	MaxJobs               int     `yaml:"max_jobs"`
	EmbeddingCacheEntries int     `yaml:"embedding_cache_entries"`
}

type OutputConfig struct {
	Directory string `yaml:"directory"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    7860,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: "",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		History: HistoryConfig{
			Path:          "./data/loqa-voice.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxJobs:       1000,
		},
		Voices: VoicesConfig{
			Directory: "./samples",
		},
		Model: ModelConfig{
			Mode:          "mock",
			Version:       "mock-1",
			SampleRate:    24000,
			EmbeddingSize: 128,
		},
		Generation: GenerationConfig{
			MaxChunkLength:        150,
			SilenceMS:             200,
			Normalize:             true,
			TargetPeak:            0.95,
			SpeedMin:              0.5,
			SpeedMax:              2.0,
			Workers:               1,
			MaxJobs:               1,
			EmbeddingCacheEntries: 32,
		},
		Output: OutputConfig{
			Directory: "./output",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.History.Path, "LOQA_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "LOQA_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "LOQA_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxJobs, "LOQA_HISTORY_MAX_JOBS")
	overrideBool(&cfg.History.VacuumOnStart, "LOQA_HISTORY_VACUUM_ON_START")
	overrideString(&cfg.Voices.Directory, "LOQA_VOICES_DIRECTORY")
	overrideString(&cfg.Model.Mode, "LOQA_MODEL_MODE")
	overrideString(&cfg.Model.Command, "LOQA_MODEL_COMMAND")
	overrideString(&cfg.Model.Version, "LOQA_MODEL_VERSION")
	overrideInt(&cfg.Model.SampleRate, "LOQA_MODEL_SAMPLE_RATE")
	overrideInt(&cfg.Model.EmbeddingSize, "LOQA_MODEL_EMBEDDING_SIZE")
	overrideBool(&cfg.Model.Concurrent, "LOQA_MODEL_CONCURRENT")
	overrideBool(&cfg.Model.RequirePhonemizer, "LOQA_MODEL_REQUIRE_PHONEMIZER")
	overrideInt(&cfg.Generation.MaxChunkLength, "LOQA_GENERATION_MAX_CHUNK_LENGTH")
	overrideInt(&cfg.Generation.SilenceMS, "LOQA_GENERATION_SILENCE_MS")
	overrideBool(&cfg.Generation.Normalize, "LOQA_GENERATION_NORMALIZE")
	overrideFloat(&cfg.Generation.TargetPeak, "LOQA_GENERATION_TARGET_PEAK")
	overrideFloat(&cfg.Generation.SpeedMin, "LOQA_GENERATION_SPEED_MIN")
	overrideFloat(&cfg.Generation.SpeedMax, "LOQA_GENERATION_SPEED_MAX")
	overrideInt(&cfg.Generation.Workers, "LOQA_GENERATION_WORKERS")
	overrideInt(&cfg.Generation.MaxJobs, "LOQA_GENERATION_MAX_JOBS")
	overrideInt(&cfg.Generation.EmbeddingCacheEntries, "LOQA_GENERATION_EMBEDDING_CACHE_ENTRIES")
	overrideString(&cfg.Output.Directory, "LOQA_OUTPUT_DIRECTORY")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.History.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.History.Path == "" {
			return errors.New("history.path must not be empty when retention_mode=persistent")
		}
	default:
		return errors.New("history.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.Voices.Directory == "" {
		return errors.New("voices.directory must not be empty")
	}
	switch cfg.Model.Mode {
	case "mock", "exec":
	default:
		return errors.New("model.mode must be one of mock|exec")
	}
	if cfg.Model.Mode == "exec" && cfg.Model.Command == "" {
		return errors.New("model.command must be set when mode=exec")
	}
	if cfg.Model.SampleRate <= 0 {
		return errors.New("model.sample_rate must be positive")
	}
	if cfg.Model.EmbeddingSize <= 0 {
		return errors.New("model.embedding_size must be positive")
	}
	if cfg.Generation.MaxChunkLength <= 0 {
		return errors.New("generation.max_chunk_length must be positive")
	}
	if cfg.Generation.SilenceMS < 0 {
		return errors.New("generation.silence_ms must be >= 0")
	}
	if cfg.Generation.TargetPeak <= 0 || cfg.Generation.TargetPeak > 1 {
		return errors.New("generation.target_peak must be in (0, 1]")
	}
	if cfg.Generation.SpeedMin <= 0 || cfg.Generation.SpeedMax < cfg.Generation.SpeedMin {
		return errors.New("generation.speed_min must be positive and not above speed_max")
	}
	if cfg.Generation.Workers <= 0 {
		return errors.New("generation.workers must be >= 1")
	}
	if cfg.Generation.MaxJobs <= 0 {
		return errors.New("generation.max_jobs must be >= 1")
	}
	if cfg.Generation.EmbeddingCacheEntries <= 0 {
		return errors.New("generation.embedding_cache_entries must be >= 1")
	}
	if cfg.Output.Directory == "" {
		return errors.New("output.directory must not be empty")
	}
	return nil
}
