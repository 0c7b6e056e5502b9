package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host           string `yaml:"host" validate:"required"`
	Port           int    `yaml:"port" validate:"min=1,max=65535"`
	BodyLimitBytes int    `yaml:"body_limit_bytes" validate:"min=1"`
}

// Addr is the listen address handed to fiber.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type STTConfig struct {
	APIKey          string        `yaml:"api_key" validate:"required"`
	BaseURL         string        `yaml:"base_url" validate:"required,url"`
	PollInitial     time.Duration `yaml:"poll_initial" validate:"gt=0"`
	PollMaxInterval time.Duration `yaml:"poll_max_interval" validate:"gtefield=PollInitial"`
	PollMaxWait     time.Duration `yaml:"poll_max_wait" validate:"gt=0"`
}

type LLMConfig struct {
	APIKey  string `yaml:"api_key" validate:"required"`
	BaseURL string `yaml:"base_url" validate:"required,url"`
	Model   string `yaml:"model" validate:"required"`
	Referer string `yaml:"referer"`
	Title   string `yaml:"title"`
}

type TTSConfig struct {
	APIKey  string `yaml:"api_key" validate:"required"`
	BaseURL string `yaml:"base_url" validate:"required,url"`
	VoiceID string `yaml:"voice_id" validate:"required"`
	ModelID string `yaml:"model_id" validate:"required"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name" validate:"required"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
}

// Config is built once at startup and handed by value to every component.
type Config struct {
	Server      ServerConfig    `yaml:"server"`
	STT         STTConfig       `yaml:"stt"`
	LLM         LLMConfig       `yaml:"llm"`
	TTS         TTSConfig       `yaml:"tts"`
	Log         LogConfig       `yaml:"log"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	HTTPTimeout time.Duration   `yaml:"http_timeout" validate:"gt=0"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           5000,
			BodyLimitBytes: 25 * 1024 * 1024,
		},
		STT: STTConfig{
			BaseURL:         "https://api.assemblyai.com/v2",
			PollInitial:     500 * time.Millisecond,
			PollMaxInterval: 3 * time.Second,
			PollMaxWait:     5 * time.Minute,
		},
		LLM: LLMConfig{
			BaseURL: "https://openrouter.ai/api/v1",
			Model:   "qwen/qwen3-235b-a22b-2507",
			Referer: "https://ziya-dijital-ikiz.onrender.com",
			Title:   "Ziya-Dijital-Ikiz",
		},
		TTS: TTSConfig{
			BaseURL: "https://api.elevenlabs.io",
			VoiceID: "mBUB5zYuPwfVE6DTcEjf",
			ModelID: "eleven_multilingual_v2",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "ziya-twin",
			OTLPInsecure: true,
		},
		HTTPTimeout: 60 * time.Second,
	}
}

// LoadDotEnv populates the process environment from .env style files.
// Variables already present in the environment are left untouched.
func LoadDotEnv(files ...string) error {
	return godotenv.Load(files...)
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order of precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, errors.Wrap(err, "config file not found")
			}
			return cfg, errors.Wrap(err, "failed to read config file")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrap(err, "failed to parse config file")
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Server.Host, "HOST")
	overrideInt(&cfg.Server.Port, "PORT")
	overrideInt(&cfg.Server.BodyLimitBytes, "BODY_LIMIT_BYTES")
	overrideString(&cfg.STT.APIKey, "ASSEMBLYAI_KEY")
	overrideString(&cfg.STT.BaseURL, "ASSEMBLYAI_BASE_URL")
	overrideDuration(&cfg.STT.PollInitial, "STT_POLL_INITIAL")
	overrideDuration(&cfg.STT.PollMaxInterval, "STT_POLL_MAX_INTERVAL")
	overrideDuration(&cfg.STT.PollMaxWait, "STT_POLL_MAX_WAIT")
	overrideString(&cfg.LLM.APIKey, "OPENROUTER_KEY")
	overrideString(&cfg.LLM.BaseURL, "OPENROUTER_BASE_URL")
	overrideString(&cfg.LLM.Model, "OPENROUTER_MODEL")
	overrideString(&cfg.LLM.Referer, "OPENROUTER_REFERER")
	overrideString(&cfg.LLM.Title, "OPENROUTER_TITLE")
	overrideString(&cfg.TTS.APIKey, "ELEVENLABS_KEY")
	overrideString(&cfg.TTS.BaseURL, "ELEVENLABS_BASE_URL")
	overrideString(&cfg.TTS.VoiceID, "ELEVENLABS_VOICE_ID")
	overrideString(&cfg.TTS.ModelID, "ELEVENLABS_MODEL_ID")
	overrideString(&cfg.Log.Level, "LOG_LEVEL")
	overrideString(&cfg.Log.Format, "LOG_FORMAT")
	overrideString(&cfg.Telemetry.ServiceName, "OTEL_SERVICE_NAME")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "OTEL_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "TRACE_STDOUT")
	overrideDuration(&cfg.HTTPTimeout, "HTTP_TIMEOUT")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func overrideDuration(target *time.Duration, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

var validate = func() func(Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	return func(cfg Config) error {
		err := v.Struct(cfg)
		if err == nil {
			return nil
		}
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return errors.Wrap(err, "invalid configuration")
		}
		return errors.Errorf("invalid configuration: %s", strings.Join(formatValidationErrors(fieldErrs), "; "))
	}
}()

func formatValidationErrors(fieldErrs validator.ValidationErrors) []string {
	messages := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msg := fmt.Sprintf("field '%s' failed on the '%s' tag", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("%s (param: %s)", msg, fe.Param())
		}
		messages = append(messages, msg)
	}
	return messages
}
