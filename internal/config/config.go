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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type SerialConfig struct {
	Device          string `yaml:"device"`
	Baud            int    `yaml:"baud"`
	ReadTimeoutMS   int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS  int    `yaml:"write_timeout_ms"`
	MaxPayloadBytes int    `yaml:"max_payload_bytes"`
}

type CaptureConfig struct {
	SampleRate    int `yaml:"sample_rate"`
	BufferSeconds int `yaml:"buffer_seconds"`
	PrerollMS     int `yaml:"preroll_ms"`
	PostrollMS    int `yaml:"postroll_ms"`
}

type VADConfig struct {
	Aggressiveness     int     `yaml:"aggressiveness"`
	FrameDurationMS    int     `yaml:"frame_duration_ms"`
	StartTriggerFrames int     `yaml:"start_trigger_frames"`
	StopTriggerFrames  int     `yaml:"stop_trigger_frames"`
	MinGapMS           int     `yaml:"min_gap_ms"`
	MinSegmentMS       int     `yaml:"min_segment_ms"`
	MinMeanAbs         float64 `yaml:"min_mean_abs"`
}

type StageConfig struct {
	RecognizeTimeoutMS  int `yaml:"recognize_timeout_ms"`
	RewriteTimeoutMS    int `yaml:"rewrite_timeout_ms"`
	FirstChunkTimeoutMS int `yaml:"first_chunk_timeout_ms"`
	PlaybackTimeoutMS   int `yaml:"playback_timeout_ms"`
	CaptureTimeoutMS    int `yaml:"capture_timeout_ms"`
}

type SessionConfig struct {
	MaxCycles      int    `yaml:"max_cycles"`
	GuardDelayMS   int    `yaml:"guard_delay_ms"`
	LogPath        string `yaml:"log_path"`
	RetainDir      string `yaml:"retain_dir"`
	GateOnPresence bool   `yaml:"gate_on_presence"`
	RecentCycles   int    `yaml:"recent_cycles"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // mock, exec
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
}

type LLMConfig struct {
	Mode         string  `yaml:"mode"` // mock, http, exec
	Endpoint     string  `yaml:"endpoint"`
	Command      string  `yaml:"command"`
	Model        string  `yaml:"model"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	TopP         float64 `yaml:"top_p"`
	SystemPrompt string  `yaml:"system_prompt"`
}

type TTSConfig struct {
	Mode       string `yaml:"mode"` // mock, http, exec
	Endpoint   string `yaml:"endpoint"`
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	Model      string `yaml:"model"`
	SampleRate int    `yaml:"sample_rate"`
}

type PlaybackConfig struct {
	SampleRate int     `yaml:"sample_rate"`
	ChunkBytes int     `yaml:"chunk_bytes"`
	GainDB     float64 `yaml:"gain_db"`
	HighpassHz float64 `yaml:"highpass_hz"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Serial      SerialConfig     `yaml:"serial"`
	Capture     CaptureConfig    `yaml:"capture"`
	VAD         VADConfig        `yaml:"vad"`
	Stages      StageConfig      `yaml:"stages"`
	Session     SessionConfig    `yaml:"session"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Playback    PlaybackConfig   `yaml:"playback"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Bus         BusConfig        `yaml:"bus"`
}

func Default() Config {
	return Config{
		RuntimeName: "gradi-desk",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Serial: SerialConfig{
			Device:          "/dev/ttyACM0",
			Baud:            921600,
			ReadTimeoutMS:   200,
			WriteTimeoutMS:  2000,
			MaxPayloadBytes: 64 * 1024,
		},
		Capture: CaptureConfig{
			SampleRate:    16000,
			BufferSeconds: 30,
			PrerollMS:     200,
			PostrollMS:    200,
		},
		VAD: VADConfig{
			Aggressiveness:     2,
			FrameDurationMS:    20,
			StartTriggerFrames: 3,
			StopTriggerFrames:  20,
			MinGapMS:           60,
			MinSegmentMS:       200,
			MinMeanAbs:         200,
		},
		Stages: StageConfig{
			RecognizeTimeoutMS:  15000,
			RewriteTimeoutMS:    20000,
			FirstChunkTimeoutMS: 5000,
			PlaybackTimeoutMS:   20000,
			CaptureTimeoutMS:    0,
		},
		Session: SessionConfig{
			MaxCycles:    0,
			GuardDelayMS: 200,
			LogPath:      "./data/session.log",
			RecentCycles: 32,
		},
		STT: STTConfig{
			Mode: "mock",
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://127.0.0.1:8000/v1",
			Model:       "meta-llama/Llama-3.1-8B-Instruct",
			MaxTokens:   128,
			Temperature: 0.2,
			TopP:        0.9,
		},
		TTS: TTSConfig{
			Mode:       "mock",
			Endpoint:   "http://127.0.0.1:8880/v1",
			Model:      "kokoro",
			SampleRate: 24000,
		},
		Playback: PlaybackConfig{
			SampleRate: 16000,
			ChunkBytes: 1024,
			GainDB:     0,
			HighpassHz: 250,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/gradi-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
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
	overrideString(&cfg.RuntimeName, "GRADI_RUNTIME_NAME")
	overrideString(&cfg.Environment, "GRADI_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "GRADI_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "GRADI_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "GRADI_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "GRADI_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "GRADI_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Serial.Device, "GRADI_SERIAL_DEVICE")
	overrideInt(&cfg.Serial.Baud, "GRADI_SERIAL_BAUD")
	overrideInt(&cfg.Serial.ReadTimeoutMS, "GRADI_SERIAL_READ_TIMEOUT_MS")
	overrideInt(&cfg.Serial.WriteTimeoutMS, "GRADI_SERIAL_WRITE_TIMEOUT_MS")
	overrideInt(&cfg.Serial.MaxPayloadBytes, "GRADI_SERIAL_MAX_PAYLOAD_BYTES")
	overrideInt(&cfg.Capture.SampleRate, "GRADI_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.BufferSeconds, "GRADI_CAPTURE_BUFFER_SECONDS")
	overrideInt(&cfg.Capture.PrerollMS, "GRADI_CAPTURE_PREROLL_MS")
	overrideInt(&cfg.Capture.PostrollMS, "GRADI_CAPTURE_POSTROLL_MS")
	overrideInt(&cfg.VAD.Aggressiveness, "GRADI_VAD_AGGRESSIVENESS")
	overrideInt(&cfg.VAD.FrameDurationMS, "GRADI_VAD_FRAME_DURATION_MS")
	overrideInt(&cfg.VAD.StartTriggerFrames, "GRADI_VAD_START_TRIGGER_FRAMES")
	overrideInt(&cfg.VAD.StopTriggerFrames, "GRADI_VAD_STOP_TRIGGER_FRAMES")
	overrideInt(&cfg.VAD.MinGapMS, "GRADI_VAD_MIN_GAP_MS")
	overrideInt(&cfg.VAD.MinSegmentMS, "GRADI_VAD_MIN_SEGMENT_MS")
	overrideFloat(&cfg.VAD.MinMeanAbs, "GRADI_VAD_MIN_MEAN_ABS")
	overrideInt(&cfg.Stages.RecognizeTimeoutMS, "GRADI_STAGE_RECOGNIZE_TIMEOUT_MS")
	overrideInt(&cfg.Stages.RewriteTimeoutMS, "GRADI_STAGE_REWRITE_TIMEOUT_MS")
	overrideInt(&cfg.Stages.FirstChunkTimeoutMS, "GRADI_STAGE_FIRST_CHUNK_TIMEOUT_MS")
	overrideInt(&cfg.Stages.PlaybackTimeoutMS, "GRADI_STAGE_PLAYBACK_TIMEOUT_MS")
	overrideInt(&cfg.Stages.CaptureTimeoutMS, "GRADI_STAGE_CAPTURE_TIMEOUT_MS")
	overrideInt(&cfg.Session.MaxCycles, "GRADI_SESSION_MAX_CYCLES")
	overrideInt(&cfg.Session.GuardDelayMS, "GRADI_SESSION_GUARD_DELAY_MS")
	overrideString(&cfg.Session.LogPath, "GRADI_SESSION_LOG_PATH")
	overrideString(&cfg.Session.RetainDir, "GRADI_SESSION_RETAIN_DIR")
	overrideBool(&cfg.Session.GateOnPresence, "GRADI_SESSION_GATE_ON_PRESENCE")
	overrideInt(&cfg.Session.RecentCycles, "GRADI_SESSION_RECENT_CYCLES")
	overrideString(&cfg.STT.Mode, "GRADI_STT_MODE")
	overrideString(&cfg.STT.Command, "GRADI_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "GRADI_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "GRADI_STT_LANGUAGE")
	overrideString(&cfg.LLM.Mode, "GRADI_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "GRADI_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "GRADI_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "GRADI_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "GRADI_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "GRADI_LLM_TEMPERATURE")
	overrideFloat(&cfg.LLM.TopP, "GRADI_LLM_TOP_P")
	overrideString(&cfg.LLM.SystemPrompt, "GRADI_LLM_SYSTEM_PROMPT")
	overrideString(&cfg.TTS.Mode, "GRADI_TTS_MODE")
	overrideString(&cfg.TTS.Endpoint, "GRADI_TTS_ENDPOINT")
	overrideString(&cfg.TTS.Command, "GRADI_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "GRADI_TTS_VOICE")
	overrideString(&cfg.TTS.Model, "GRADI_TTS_MODEL")
	overrideInt(&cfg.TTS.SampleRate, "GRADI_TTS_SAMPLE_RATE")
	overrideInt(&cfg.Playback.SampleRate, "GRADI_PLAYBACK_SAMPLE_RATE")
	overrideInt(&cfg.Playback.ChunkBytes, "GRADI_PLAYBACK_CHUNK_BYTES")
	overrideFloat(&cfg.Playback.GainDB, "GRADI_PLAYBACK_GAIN_DB")
	overrideFloat(&cfg.Playback.HighpassHz, "GRADI_PLAYBACK_HIGHPASS_HZ")
	overrideString(&cfg.EventStore.Path, "GRADI_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "GRADI_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "GRADI_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "GRADI_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "GRADI_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Bus.Enabled, "GRADI_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "GRADI_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "GRADI_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "GRADI_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "GRADI_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "GRADI_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "GRADI_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "GRADI_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "GRADI_BUS_CONNECT_TIMEOUT_MS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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
	if cfg.Serial.Device == "" {
		return errors.New("serial.device must not be empty")
	}
	if cfg.Serial.Baud <= 0 {
		return errors.New("serial.baud must be positive")
	}
	if cfg.Serial.MaxPayloadBytes <= 0 {
		return errors.New("serial.max_payload_bytes must be positive")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.BufferSeconds <= 0 {
		return errors.New("capture.buffer_seconds must be positive")
	}
	if cfg.Capture.PrerollMS < 0 || cfg.Capture.PostrollMS < 0 {
		return errors.New("capture.preroll_ms and capture.postroll_ms must be >= 0")
	}
	if cfg.VAD.Aggressiveness < 0 || cfg.VAD.Aggressiveness > 3 {
		return errors.New("vad.aggressiveness must be between 0 and 3")
	}
	switch cfg.VAD.FrameDurationMS {
	case 10, 20, 30:
	default:
		return errors.New("vad.frame_duration_ms must be 10, 20, or 30")
	}
	if cfg.VAD.StartTriggerFrames < 1 {
		return errors.New("vad.start_trigger_frames must be >= 1")
	}
	if cfg.VAD.StopTriggerFrames < 1 {
		return errors.New("vad.stop_trigger_frames must be >= 1")
	}
	if cfg.Stages.RecognizeTimeoutMS <= 0 {
		return errors.New("stages.recognize_timeout_ms must be positive")
	}
	if cfg.Stages.RewriteTimeoutMS <= 0 {
		return errors.New("stages.rewrite_timeout_ms must be positive")
	}
	if cfg.Stages.FirstChunkTimeoutMS <= 0 {
		return errors.New("stages.first_chunk_timeout_ms must be positive")
	}
	if cfg.Stages.PlaybackTimeoutMS <= 0 {
		return errors.New("stages.playback_timeout_ms must be positive")
	}
	if cfg.Session.GuardDelayMS < 0 {
		return errors.New("session.guard_delay_ms must be >= 0")
	}
	if cfg.Session.MaxCycles < 0 {
		return errors.New("session.max_cycles must be >= 0")
	}
	switch cfg.STT.Mode {
	case "mock", "exec":
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	switch cfg.LLM.Mode {
	case "mock", "http", "exec":
	default:
		return errors.New("llm.mode must be one of mock|http|exec")
	}
	if cfg.LLM.Mode == "http" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=http")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "http", "exec":
	default:
		return errors.New("tts.mode must be one of mock|http|exec")
	}
	if cfg.TTS.Mode == "http" && cfg.TTS.Endpoint == "" {
		return errors.New("tts.endpoint must be set when mode=http")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.Playback.SampleRate <= 0 {
		return errors.New("playback.sample_rate must be positive")
	}
	if cfg.Playback.ChunkBytes <= 0 {
		return errors.New("playback.chunk_bytes must be positive")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
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
	return nil
}
