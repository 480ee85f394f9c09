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
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string                `yaml:"runtime_name"`
	Environment string                `yaml:"environment"`
	HTTP        HTTPConfig            `yaml:"http"`
	Telemetry   TelemetryConfig       `yaml:"telemetry"`
	Bus         BusConfig             `yaml:"bus"`
	Audio       AudioConfig           `yaml:"audio"`
	Queue       QueueConfig           `yaml:"queue"`
	Recognizer  RecognizerConfig      `yaml:"recognizer"`
	Supervisor  SupervisorConfig      `yaml:"supervisor"`
	Transcript  TranscriptStoreConfig `yaml:"transcript_store"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type AudioConfig struct {
	Command         string `yaml:"command"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	DumpDir         string `yaml:"dump_dir"`
}

type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

type RecognizerConfig struct {
	Endpoint         string `yaml:"endpoint"`
	APIKey           string `yaml:"api_key"`
	ProjectID        string `yaml:"project_id"`
	Language         string `yaml:"language"`
	Punctuation      bool   `yaml:"punctuation"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
	SendTimeoutMS    int    `yaml:"send_timeout_ms"`
	DrainTimeoutMS   int    `yaml:"drain_timeout_ms"`
}

type SupervisorConfig struct {
	MaxSessionDurationS int `yaml:"max_session_duration_s"`
	SafetyMarginS       int `yaml:"safety_margin_s"`
	ConnectRetries      int `yaml:"connect_retries"`
	RetryBackoffMS      int `yaml:"retry_backoff_ms"`
}

type TranscriptStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRecordings int    `yaml:"max_recordings"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "scribe-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Audio: AudioConfig{
			Command:         "arecord -q -f S16_LE -r 16000 -c 1 -t raw",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 100,
		},
		Queue: QueueConfig{
			Capacity: 50,
		},
		Recognizer: RecognizerConfig{
			Endpoint:         "wss://localhost:9443/v1/stream",
			Language:         "ja-JP",
			Punctuation:      true,
			ConnectTimeoutMS: 5000,
			SendTimeoutMS:    2000,
			DrainTimeoutMS:   5000,
		},
		Supervisor: SupervisorConfig{
			MaxSessionDurationS: 305,
			SafetyMarginS:       10,
			ConnectRetries:      3,
			RetryBackoffMS:      500,
		},
		Transcript: TranscriptStoreConfig{
			Path:          "./data/scribe-transcripts.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxRecordings: 10000,
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
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SCRIBE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Audio.Command, "SCRIBE_AUDIO_COMMAND")
	overrideInt(&cfg.Audio.SampleRate, "SCRIBE_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "SCRIBE_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameDurationMS, "SCRIBE_AUDIO_FRAME_DURATION_MS")
	overrideString(&cfg.Audio.DumpDir, "SCRIBE_AUDIO_DUMP_DIR")
	overrideInt(&cfg.Queue.Capacity, "SCRIBE_QUEUE_CAPACITY")
	overrideString(&cfg.Recognizer.Endpoint, "SCRIBE_RECOGNIZER_ENDPOINT")
	overrideString(&cfg.Recognizer.APIKey, "SCRIBE_RECOGNIZER_API_KEY")
	overrideString(&cfg.Recognizer.ProjectID, "SCRIBE_RECOGNIZER_PROJECT_ID")
	overrideString(&cfg.Recognizer.Language, "SCRIBE_RECOGNIZER_LANGUAGE")
	overrideBool(&cfg.Recognizer.Punctuation, "SCRIBE_RECOGNIZER_PUNCTUATION")
	overrideInt(&cfg.Recognizer.ConnectTimeoutMS, "SCRIBE_RECOGNIZER_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Recognizer.SendTimeoutMS, "SCRIBE_RECOGNIZER_SEND_TIMEOUT_MS")
	overrideInt(&cfg.Recognizer.DrainTimeoutMS, "SCRIBE_RECOGNIZER_DRAIN_TIMEOUT_MS")
	overrideInt(&cfg.Supervisor.MaxSessionDurationS, "SCRIBE_SUPERVISOR_MAX_SESSION_DURATION_S")
	overrideInt(&cfg.Supervisor.SafetyMarginS, "SCRIBE_SUPERVISOR_SAFETY_MARGIN_S")
	overrideInt(&cfg.Supervisor.ConnectRetries, "SCRIBE_SUPERVISOR_CONNECT_RETRIES")
	overrideInt(&cfg.Supervisor.RetryBackoffMS, "SCRIBE_SUPERVISOR_RETRY_BACKOFF_MS")
	overrideString(&cfg.Transcript.Path, "SCRIBE_TRANSCRIPT_STORE_PATH")
	overrideString(&cfg.Transcript.RetentionMode, "SCRIBE_TRANSCRIPT_STORE_RETENTION_MODE")
	overrideInt(&cfg.Transcript.RetentionDays, "SCRIBE_TRANSCRIPT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Transcript.MaxRecordings, "SCRIBE_TRANSCRIPT_STORE_MAX_RECORDINGS")
	overrideBool(&cfg.Transcript.VacuumOnStart, "SCRIBE_TRANSCRIPT_STORE_VACUUM_ON_START")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Audio.Command == "" {
		return errors.New("audio.command must not be empty")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.FrameDurationMS <= 0 {
		return errors.New("audio.frame_duration_ms must be positive")
	}
	if cfg.Queue.Capacity <= 0 {
		return errors.New("queue.capacity must be positive")
	}
	if cfg.Recognizer.Endpoint == "" {
		return errors.New("recognizer.endpoint must not be empty")
	}
	if cfg.Recognizer.Language == "" {
		return errors.New("recognizer.language must not be empty")
	}
	if cfg.Recognizer.ConnectTimeoutMS <= 0 {
		return errors.New("recognizer.connect_timeout_ms must be positive")
	}
	if cfg.Recognizer.DrainTimeoutMS <= 0 {
		return errors.New("recognizer.drain_timeout_ms must be positive")
	}
	if cfg.Supervisor.MaxSessionDurationS <= 0 {
		return errors.New("supervisor.max_session_duration_s must be positive")
	}
	if cfg.Supervisor.SafetyMarginS < 0 {
		return errors.New("supervisor.safety_margin_s must be >= 0")
	}
	if cfg.Supervisor.SafetyMarginS >= cfg.Supervisor.MaxSessionDurationS {
		return errors.New("supervisor.safety_margin_s must be smaller than max_session_duration_s")
	}
	if cfg.Supervisor.ConnectRetries <= 0 {
		return errors.New("supervisor.connect_retries must be >= 1")
	}
	if cfg.Transcript.Path == "" {
		return errors.New("transcript_store.path must not be empty")
	}
	switch cfg.Transcript.RetentionMode {
	case "ephemeral", "persistent":
		// ok
	default:
		return errors.New("transcript_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.Transcript.RetentionDays < 0 {
		return errors.New("transcript_store.retention_days must be >= 0")
	}
	return nil
}
