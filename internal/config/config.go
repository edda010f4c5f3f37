package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	// TraceStdout writes spans as JSON to stderr when no OTLP endpoint is
	// configured.
	TraceStdout bool `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	JobStore    JobStoreConfig   `yaml:"job_store"`
	Engine      EngineConfig     `yaml:"engine"`
	Downloader  DownloaderConfig `yaml:"downloader"`
	Output      OutputConfig     `yaml:"output"`
	Service     ServiceConfig    `yaml:"service"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

// JobStoreConfig controls the request ledger. Transcript text is never stored.
type JobStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRequests   int    `yaml:"max_requests"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type EngineConfig struct {
	Mode             string   `yaml:"mode"` // mock, exec
	Command          string   `yaml:"command"`
	Models           []string `yaml:"models"`
	Devices          []string `yaml:"devices"`
	Precisions       []string `yaml:"precisions"`
	Languages        []string `yaml:"languages"`
	DefaultModel     string   `yaml:"default_model"`
	DefaultDevice    string   `yaml:"default_device"`
	DefaultPrecision string   `yaml:"default_precision"`
	DefaultLanguage  string   `yaml:"default_language"`
	DefaultTask      string   `yaml:"default_task"`
	DefaultBeamSize  int      `yaml:"default_beam_size"`
	LoadTimeoutMS    int      `yaml:"load_timeout_ms"`
	TimeoutMS        int      `yaml:"timeout_ms"`
}

type DownloaderConfig struct {
	Command        string   `yaml:"command"`
	Formats        []string `yaml:"formats"`
	OutputTemplate string   `yaml:"output_template"`
	PartialSuffix  string   `yaml:"partial_suffix"`
	CookiesFile    string   `yaml:"cookies_file"`
	TimeoutMS      int      `yaml:"timeout_ms"`
}

type OutputConfig struct {
	TempDir        string `yaml:"temp_dir"`
	ArtifactPrefix string `yaml:"artifact_prefix"`
	DownloadPrefix string `yaml:"download_prefix"`
	TranscriptName string `yaml:"transcript_name"`
	SubtitleName   string `yaml:"subtitle_name"`
}

type ServiceConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Subject        string `yaml:"subject"`
	QueueGroup     string `yaml:"queue_group"`
	MaxConcurrency int    `yaml:"max_concurrency"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "scribe-node-1",
			Role:              "transcriber",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		JobStore: JobStoreConfig{
			Path:          "./data/scribe-jobs.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxRequests:   10000,
		},
		Engine: EngineConfig{
			Mode:             "mock",
			Models:           []string{"tiny", "base", "small", "medium", "large-v2", "large-v3"},
			Devices:          []string{"cpu", "cuda"},
			Precisions:       []string{"float16", "int8_float16", "int8"},
			Languages:        []string{"zh", "en", "ja", "ko", "fr", "de", "es"},
			DefaultModel:     "small",
			DefaultDevice:    "cuda",
			DefaultPrecision: "float16",
			DefaultLanguage:  "auto",
			DefaultTask:      "transcribe",
			DefaultBeamSize:  5,
			LoadTimeoutMS:    600000,
		},
		Downloader: DownloaderConfig{
			Command:        "yt-dlp",
			Formats:        []string{"bestaudio[ext=m4a]/bestaudio/best", "best"},
			OutputTemplate: "%(title)s.%(ext)s",
			PartialSuffix:  ".part",
		},
		Output: OutputConfig{
			ArtifactPrefix: "transcript_",
			DownloadPrefix: "yt_audio_",
			TranscriptName: "transcript.txt",
			SubtitleName:   "subtitles.srt",
		},
		Service: ServiceConfig{
			Enabled:        true,
			Subject:        "scribe.transcribe",
			QueueGroup:     "scribe-workers",
			MaxConcurrency: 2,
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
	overrideBool(&cfg.Telemetry.TraceStdout, "SCRIBE_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "SCRIBE_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIBE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "SCRIBE_NODE_ID")
	overrideString(&cfg.Node.Role, "SCRIBE_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "SCRIBE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "SCRIBE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.JobStore.Path, "SCRIBE_JOB_STORE_PATH")
	overrideString(&cfg.JobStore.RetentionMode, "SCRIBE_JOB_STORE_RETENTION_MODE")
	overrideInt(&cfg.JobStore.RetentionDays, "SCRIBE_JOB_STORE_RETENTION_DAYS")
	overrideInt(&cfg.JobStore.MaxRequests, "SCRIBE_JOB_STORE_MAX_REQUESTS")
	overrideBool(&cfg.JobStore.VacuumOnStart, "SCRIBE_JOB_STORE_VACUUM_ON_START")
	overrideString(&cfg.Engine.Mode, "SCRIBE_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "SCRIBE_ENGINE_COMMAND")
	overrideStringSlice(&cfg.Engine.Models, "SCRIBE_ENGINE_MODELS")
	overrideStringSlice(&cfg.Engine.Devices, "SCRIBE_ENGINE_DEVICES")
	overrideStringSlice(&cfg.Engine.Precisions, "SCRIBE_ENGINE_PRECISIONS")
	overrideStringSlice(&cfg.Engine.Languages, "SCRIBE_ENGINE_LANGUAGES")
	overrideString(&cfg.Engine.DefaultModel, "SCRIBE_ENGINE_DEFAULT_MODEL")
	overrideString(&cfg.Engine.DefaultDevice, "SCRIBE_ENGINE_DEFAULT_DEVICE")
	overrideString(&cfg.Engine.DefaultPrecision, "SCRIBE_ENGINE_DEFAULT_PRECISION")
	overrideString(&cfg.Engine.DefaultLanguage, "SCRIBE_ENGINE_DEFAULT_LANGUAGE")
	overrideString(&cfg.Engine.DefaultTask, "SCRIBE_ENGINE_DEFAULT_TASK")
	overrideInt(&cfg.Engine.DefaultBeamSize, "SCRIBE_ENGINE_DEFAULT_BEAM_SIZE")
	overrideInt(&cfg.Engine.LoadTimeoutMS, "SCRIBE_ENGINE_LOAD_TIMEOUT_MS")
	overrideInt(&cfg.Engine.TimeoutMS, "SCRIBE_ENGINE_TIMEOUT_MS")
	overrideString(&cfg.Downloader.Command, "SCRIBE_DOWNLOADER_COMMAND")
	overrideStringSlice(&cfg.Downloader.Formats, "SCRIBE_DOWNLOADER_FORMATS")
	overrideString(&cfg.Downloader.OutputTemplate, "SCRIBE_DOWNLOADER_OUTPUT_TEMPLATE")
	overrideString(&cfg.Downloader.PartialSuffix, "SCRIBE_DOWNLOADER_PARTIAL_SUFFIX")
	overrideString(&cfg.Downloader.CookiesFile, "SCRIBE_DOWNLOADER_COOKIES_FILE")
	overrideInt(&cfg.Downloader.TimeoutMS, "SCRIBE_DOWNLOADER_TIMEOUT_MS")
	overrideString(&cfg.Output.TempDir, "SCRIBE_OUTPUT_TEMP_DIR")
	overrideString(&cfg.Output.ArtifactPrefix, "SCRIBE_OUTPUT_ARTIFACT_PREFIX")
	overrideString(&cfg.Output.DownloadPrefix, "SCRIBE_OUTPUT_DOWNLOAD_PREFIX")
	overrideString(&cfg.Output.TranscriptName, "SCRIBE_OUTPUT_TRANSCRIPT_NAME")
	overrideString(&cfg.Output.SubtitleName, "SCRIBE_OUTPUT_SUBTITLE_NAME")
	overrideBool(&cfg.Service.Enabled, "SCRIBE_SERVICE_ENABLED")
	overrideString(&cfg.Service.Subject, "SCRIBE_SERVICE_SUBJECT")
	overrideString(&cfg.Service.QueueGroup, "SCRIBE_SERVICE_QUEUE_GROUP")
	overrideInt(&cfg.Service.MaxConcurrency, "SCRIBE_SERVICE_MAX_CONCURRENCY")
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

// overrideStringSlice splits on ',' unless the value contains ';', which
// lets yt-dlp format selectors carry commas.
func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		sep := ","
		if strings.Contains(value, ";") {
			sep = ";"
		}
		parts := strings.Split(value, sep)
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
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port == 0 || cfg.Bus.Port < -1 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 (or -1 for random) when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	switch cfg.JobStore.RetentionMode {
	case "ephemeral", "persistent":
	default:
		return errors.New("job_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.JobStore.RetentionMode == "persistent" && cfg.JobStore.Path == "" {
		return errors.New("job_store.path must not be empty when retention_mode=persistent")
	}
	if cfg.JobStore.RetentionDays < 0 {
		return errors.New("job_store.retention_days must be >= 0")
	}
	if err := validateEngine(cfg.Engine); err != nil {
		return err
	}
	if cfg.Downloader.Command == "" {
		return errors.New("downloader.command must not be empty")
	}
	if len(cfg.Downloader.Formats) == 0 {
		return errors.New("downloader.formats must list at least one format selector")
	}
	if cfg.Downloader.TimeoutMS < 0 {
		return errors.New("downloader.timeout_ms must be >= 0")
	}
	if cfg.Output.TranscriptName == "" || cfg.Output.SubtitleName == "" {
		return errors.New("output.transcript_name and output.subtitle_name must not be empty")
	}
	if cfg.Output.TranscriptName == cfg.Output.SubtitleName {
		return errors.New("output.transcript_name and output.subtitle_name must differ")
	}
	if cfg.Service.Enabled {
		if cfg.Service.Subject == "" {
			return errors.New("service.subject must not be empty when the service is enabled")
		}
		if cfg.Service.MaxConcurrency <= 0 {
			return errors.New("service.max_concurrency must be >= 1")
		}
	}
	return nil
}

func validateEngine(cfg EngineConfig) error {
	switch cfg.Mode {
	case "mock", "exec":
	default:
		return errors.New("engine.mode must be one of mock|exec")
	}
	if cfg.Mode == "exec" && cfg.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if len(cfg.Models) == 0 || len(cfg.Devices) == 0 || len(cfg.Precisions) == 0 {
		return errors.New("engine.models, engine.devices and engine.precisions must not be empty")
	}
	if !slices.Contains(cfg.Models, cfg.DefaultModel) {
		return fmt.Errorf("engine.default_model %q is not listed in engine.models", cfg.DefaultModel)
	}
	if !slices.Contains(cfg.Devices, cfg.DefaultDevice) {
		return fmt.Errorf("engine.default_device %q is not listed in engine.devices", cfg.DefaultDevice)
	}
	if !slices.Contains(cfg.Precisions, cfg.DefaultPrecision) {
		return fmt.Errorf("engine.default_precision %q is not listed in engine.precisions", cfg.DefaultPrecision)
	}
	switch cfg.DefaultTask {
	case "transcribe", "translate":
	default:
		return errors.New("engine.default_task must be one of transcribe|translate")
	}
	if cfg.DefaultBeamSize < 1 || cfg.DefaultBeamSize > 10 {
		return errors.New("engine.default_beam_size must be between 1 and 10")
	}
	if cfg.LoadTimeoutMS < 0 || cfg.TimeoutMS < 0 {
		return errors.New("engine timeouts must be >= 0")
	}
	return nil
}

// WriteSample writes the defaults as YAML to path. It refuses to replace an
// existing file unless overwrite is set.
func WriteSample(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s", path)
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("check config path: %w", err)
		}
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("encode sample config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
