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
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Node        NodeConfig      `yaml:"node"`
	Journal     JournalConfig   `yaml:"journal"`
	Capture     CaptureConfig   `yaml:"capture"`
	STT         STTConfig       `yaml:"stt"`
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

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxAttempts   int    `yaml:"max_attempts"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	// PruneInterval reapplies retention while running; 0 prunes on start only.
	PruneInterval int `yaml:"prune_interval_ms"`
}

// CaptureConfig holds the microphone settings supplied by the host framework.
// Key names follow the host's option names.
type CaptureConfig struct {
	// AmbientNoiseSeconds > 0 calibrates the energy threshold from background
	// noise; 0 uses EnergyThreshold as is.
	AmbientNoiseSeconds float64 `yaml:"adjust_for_ambient_noise_second"`
	EnergyThreshold     float64 `yaml:"energy_threshold"`
	// TimeoutSeconds bounds the wait for speech to start; 0 waits forever.
	TimeoutSeconds         float64 `yaml:"stt_timeout"`
	PhraseTimeLimitSeconds float64 `yaml:"phrase_time_limit"`
	PauseThresholdSeconds  float64 `yaml:"pause_threshold"`
	DynamicEnergy          bool    `yaml:"dynamic_energy_threshold"`
	DeviceSampleRate       int     `yaml:"device_sample_rate"`
	FramesPerBuffer        int     `yaml:"frames_per_buffer"`
	// AudioDir confines bus file requests; empty refuses them.
	AudioDir string `yaml:"audio_dir"`
}

// Calibrate reports whether the threshold comes from ambient noise calibration.
func (c CaptureConfig) Calibrate() bool {
	return c.AmbientNoiseSeconds > 0
}

type STTConfig struct {
	Engine           string `yaml:"engine"` // vosk, exec, mock
	Command          string `yaml:"command"`
	Language         string `yaml:"language"`
	ModelPath        string `yaml:"model_path"`
	GrammarFile      string `yaml:"grammar_file"`
	SpeakerModelPath string `yaml:"speaker_model_path"`
	SampleRate       int    `yaml:"sample_rate"`
	Words            bool   `yaml:"words"`
}

// ResolvedModelPath returns the model directory; the language selector doubles
// as the directory name when no explicit path is configured.
func (c STTConfig) ResolvedModelPath() string {
	if c.ModelPath != "" {
		return c.ModelPath
	}
	return c.Language
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-vosk",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8081,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-vosk-1",
			Role:              "stt",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "stt.offline", Tier: "fast"},
			},
		},
		Journal: JournalConfig{
			Path:          "./data/loqa-vosk.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxAttempts:   10000,
			PruneInterval: 3600000,
		},
		Capture: CaptureConfig{
			AmbientNoiseSeconds:   0,
			EnergyThreshold:       4000,
			TimeoutSeconds:        0,
			PauseThresholdSeconds: 0.8,
			DynamicEnergy:         true,
			DeviceSampleRate:      16000,
			FramesPerBuffer:       1024,
		},
		STT: STTConfig{
			Engine:     "vosk",
			Language:   "model-fr",
			SampleRate: 16000,
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
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Journal.Path, "LOQA_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "LOQA_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "LOQA_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxAttempts, "LOQA_JOURNAL_MAX_ATTEMPTS")
	overrideBool(&cfg.Journal.VacuumOnStart, "LOQA_JOURNAL_VACUUM_ON_START")
	overrideInt(&cfg.Journal.PruneInterval, "LOQA_JOURNAL_PRUNE_INTERVAL_MS")
	overrideFloat(&cfg.Capture.AmbientNoiseSeconds, "LOQA_CAPTURE_ADJUST_FOR_AMBIENT_NOISE_SECOND")
	overrideFloat(&cfg.Capture.EnergyThreshold, "LOQA_CAPTURE_ENERGY_THRESHOLD")
	overrideFloat(&cfg.Capture.TimeoutSeconds, "LOQA_CAPTURE_STT_TIMEOUT")
	overrideFloat(&cfg.Capture.PhraseTimeLimitSeconds, "LOQA_CAPTURE_PHRASE_TIME_LIMIT")
	overrideFloat(&cfg.Capture.PauseThresholdSeconds, "LOQA_CAPTURE_PAUSE_THRESHOLD")
	overrideBool(&cfg.Capture.DynamicEnergy, "LOQA_CAPTURE_DYNAMIC_ENERGY_THRESHOLD")
	overrideInt(&cfg.Capture.DeviceSampleRate, "LOQA_CAPTURE_DEVICE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.FramesPerBuffer, "LOQA_CAPTURE_FRAMES_PER_BUFFER")
	overrideString(&cfg.Capture.AudioDir, "LOQA_CAPTURE_AUDIO_DIR")
	overrideString(&cfg.STT.Engine, "LOQA_STT_ENGINE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.GrammarFile, "LOQA_STT_GRAMMAR_FILE")
	overrideString(&cfg.STT.SpeakerModelPath, "LOQA_STT_SPEAKER_MODEL_PATH")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideBool(&cfg.STT.Words, "LOQA_STT_WORDS")
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
	if cfg.HTTP.Port < 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 0 and 65535 (0 disables the http server)")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
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
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionMode != "ephemeral" && cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	if cfg.Journal.PruneInterval < 0 {
		return errors.New("journal.prune_interval_ms must be >= 0")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if cfg.Capture.AmbientNoiseSeconds < 0 {
		return errors.New("capture.adjust_for_ambient_noise_second must be >= 0")
	}
	if !cfg.Capture.Calibrate() && cfg.Capture.EnergyThreshold <= 0 {
		return errors.New("capture.energy_threshold must be positive when ambient noise calibration is disabled")
	}
	if cfg.Capture.TimeoutSeconds < 0 {
		return errors.New("capture.stt_timeout must be >= 0")
	}
	if cfg.Capture.PhraseTimeLimitSeconds < 0 {
		return errors.New("capture.phrase_time_limit must be >= 0")
	}
	if cfg.Capture.PauseThresholdSeconds <= 0 {
		return errors.New("capture.pause_threshold must be positive")
	}
	if cfg.Capture.DeviceSampleRate <= 0 {
		return errors.New("capture.device_sample_rate must be positive")
	}
	if cfg.Capture.FramesPerBuffer <= 0 {
		return errors.New("capture.frames_per_buffer must be positive")
	}
	switch cfg.STT.Engine {
	case "vosk", "exec", "mock":
	default:
		return errors.New("stt.engine must be one of vosk|exec|mock")
	}
	if cfg.STT.Engine == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when engine=exec")
	}
	if cfg.STT.Engine != "mock" && cfg.STT.ResolvedModelPath() == "" {
		return errors.New("stt.model_path or stt.language must be set")
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	return nil
}
