// Package config loads service settings from an optional YAML file, a .env
// file and TRANSCRIPTS_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"transcripts/auth"
	"transcripts/logging"
)

const EnvPrefix = "TRANSCRIPTS"

type Config struct {
	Server   Server
	Storage  Storage
	Pipeline Pipeline
	Models   Models
	Webhook  Webhook
	Auth     Auth
	Logger   logging.Config
}

type Server struct {
	Port        int `validate:"min=1,max=65535"`
	MaxUploadMB int `validate:"min=1"`
	// browser origins allowed to call with credentials
	CORSOrigins []string `validate:"dive,http_url"`
}

func (s Server) MaxUploadBytes() int64 {
	return int64(s.MaxUploadMB) * 1024 * 1024
}

type Storage struct {
	DBPath    string `validate:"required"`
	OutputDir string `validate:"required"`
	SpoolDir  string
}

type Pipeline struct {
	MaxConcurrentJobs int           `validate:"min=1"`
	QueueSize         int           `validate:"min=0"`
	SyncTimeout       time.Duration `validate:"gt=0"`
	ParallelStages    bool
	DefaultLanguage   string `validate:"required"`
}

type Models struct {
	Transcriber      string `validate:"oneof=whisperx http"`
	WhisperModel     string
	WhisperDevice    string
	WhisperxBin      string
	TranscribeURL    string `validate:"required_if=Transcriber http"`
	TranscribeAPIKey string
	TranscriberSlots int    `validate:"min=1"`
	Diarizer         string `validate:"oneof=pyannote http none"`
	HFToken          string
	PyannoteModel    string
	PythonBin        string
	DiarizeURL       string `validate:"required_if=Diarizer http"`
	DiarizerSlots    int    `validate:"min=1"`
}

type Webhook struct {
	Timeout         time.Duration `validate:"gt=0"`
	MaxAttempts     int           `validate:"min=1,max=10"`
	BackoffBase     time.Duration
	MaxWait         time.Duration `validate:"max=30s"`
	NotifyOnFailure bool
}

type Auth struct {
	JWTSecret string
	Users     []auth.User `validate:"dive"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.max_upload_mb", 100)
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("storage.db_path", "transcripts.db")
	v.SetDefault("storage.output_dir", "outputs")
	v.SetDefault("storage.spool_dir", "")

	v.SetDefault("pipeline.max_concurrent_jobs", 2)
	v.SetDefault("pipeline.queue_size", 16)
	v.SetDefault("pipeline.sync_timeout", "30m")
	v.SetDefault("pipeline.parallel_stages", false)
	v.SetDefault("pipeline.default_language", "auto")

	v.SetDefault("models.transcriber", "whisperx")
	v.SetDefault("models.whisper_model", "")
	v.SetDefault("models.whisper_device", "")
	v.SetDefault("models.whisperx_bin", "whisperx")
	v.SetDefault("models.transcribe_url", "")
	v.SetDefault("models.transcribe_api_key", "")
	v.SetDefault("models.transcriber_slots", 1)
	v.SetDefault("models.diarizer", "pyannote")
	v.SetDefault("models.hf_token", "")
	v.SetDefault("models.pyannote_model", "pyannote/speaker-diarization@2.1")
	v.SetDefault("models.python_bin", "python3")
	v.SetDefault("models.diarize_url", "")
	v.SetDefault("models.diarizer_slots", 1)

	v.SetDefault("webhook.timeout", "10s")
	v.SetDefault("webhook.max_attempts", 1)
	v.SetDefault("webhook.backoff_base", "1s")
	v.SetDefault("webhook.max_wait", "30s")
	v.SetDefault("webhook.notify_on_failure", false)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
}

// Load reads configPath when given and overlays the environment. A missing
// .env file is not an error.
func Load(configPath string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/transcripts")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := Config{
		Server:   getServerConfig(v),
		Storage:  getStorageConfig(v),
		Pipeline: getPipelineConfig(v),
		Models:   getModelsConfig(v),
		Webhook:  getWebhookConfig(v),
		Logger:   getLoggerConfig(v),
	}
	a, err := getAuthConfig(v)
	if err != nil {
		return Config{}, err
	}
	cfg.Auth = a

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func getServerConfig(v *viper.Viper) Server {
	return Server{
		Port:        v.GetInt("server.port"),
		MaxUploadMB: v.GetInt("server.max_upload_mb"),
		CORSOrigins: corsOrigins(v.GetStringSlice("server.cors_origins")),
	}
}

// corsOrigins drops trailing slashes, which a browser Origin never carries.
func corsOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, o := range in {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func getStorageConfig(v *viper.Viper) Storage {
	return Storage{
		DBPath:    v.GetString("storage.db_path"),
		OutputDir: v.GetString("storage.output_dir"),
		SpoolDir:  v.GetString("storage.spool_dir"),
	}
}

func getPipelineConfig(v *viper.Viper) Pipeline {
	return Pipeline{
		MaxConcurrentJobs: v.GetInt("pipeline.max_concurrent_jobs"),
		QueueSize:         v.GetInt("pipeline.queue_size"),
		SyncTimeout:       v.GetDuration("pipeline.sync_timeout"),
		ParallelStages:    v.GetBool("pipeline.parallel_stages"),
		DefaultLanguage:   v.GetString("pipeline.default_language"),
	}
}

func getModelsConfig(v *viper.Viper) Models {
	return Models{
		Transcriber:      v.GetString("models.transcriber"),
		WhisperModel:     v.GetString("models.whisper_model"),
		WhisperDevice:    v.GetString("models.whisper_device"),
		WhisperxBin:      v.GetString("models.whisperx_bin"),
		TranscribeURL:    v.GetString("models.transcribe_url"),
		TranscribeAPIKey: v.GetString("models.transcribe_api_key"),
		TranscriberSlots: v.GetInt("models.transcriber_slots"),
		Diarizer:         v.GetString("models.diarizer"),
		HFToken:          v.GetString("models.hf_token"),
		PyannoteModel:    v.GetString("models.pyannote_model"),
		PythonBin:        v.GetString("models.python_bin"),
		DiarizeURL:       v.GetString("models.diarize_url"),
		DiarizerSlots:    v.GetInt("models.diarizer_slots"),
	}
}

func getWebhookConfig(v *viper.Viper) Webhook {
	return Webhook{
		Timeout:         v.GetDuration("webhook.timeout"),
		MaxAttempts:     v.GetInt("webhook.max_attempts"),
		BackoffBase:     v.GetDuration("webhook.backoff_base"),
		MaxWait:         v.GetDuration("webhook.max_wait"),
		NotifyOnFailure: v.GetBool("webhook.notify_on_failure"),
	}
}

func getAuthConfig(v *viper.Viper) (Auth, error) {
	a := Auth{JWTSecret: v.GetString("auth.jwt_secret")}
	if err := v.UnmarshalKey("auth.users", &a.Users); err != nil {
		return Auth{}, fmt.Errorf("failed to decode auth.users: %w", err)
	}
	return a, nil
}

func getLoggerConfig(v *viper.Viper) logging.Config {
	return logging.Config{
		Level:  v.GetString("logger.level"),
		Format: v.GetString("logger.format"),
		Output: v.GetString("logger.output"),
	}
}
