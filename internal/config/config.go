package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"voxscore/pkg/logger"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const defaultConfigPath = "configs/config.yaml"

type Config struct {
	Backend struct {
		BaseURL       string        `yaml:"base_url" env:"ANALYSIS_API_URL" env-default:"http://localhost:8000/api/v1"`
		Token         string        `yaml:"token" env:"ANALYSIS_API_TOKEN"`
		DefaultUserID string        `yaml:"default_user_id" env:"ANALYSIS_DEFAULT_USER" env-default:"anonymous"`
		Timeout       time.Duration `yaml:"timeout" env:"ANALYSIS_TIMEOUT" env-default:"30s"`
	} `yaml:"backend"`

	Poll struct {
		Interval    time.Duration `yaml:"interval" env:"POLL_INTERVAL" env-default:"10s"`
		MaxAttempts int           `yaml:"max_attempts" env:"POLL_MAX_ATTEMPTS" env-default:"30"`
	} `yaml:"poll"`

	Upload struct {
		MaxBytes          int64         `yaml:"max_bytes" env:"UPLOAD_MAX_BYTES" env-default:"52428800"`
		AllowedExtensions []string      `yaml:"allowed_extensions" env:"UPLOAD_ALLOWED_EXTENSIONS" env-separator:"," env-default:".wav,.mp3,.m4a,.ogg,.webm,.flac"`
		MaxDuration       time.Duration `yaml:"max_duration" env:"UPLOAD_MAX_DURATION" env-default:"900s"`
	} `yaml:"upload"`

	Recorder struct {
		MaxDuration time.Duration `yaml:"max_duration" env:"RECORDER_MAX_DURATION" env-default:"900s"`
		SampleRate  int           `yaml:"sample_rate" env:"RECORDER_SAMPLE_RATE" env-default:"16000"`
		Channels    int           `yaml:"channels" env:"RECORDER_CHANNELS" env-default:"1"`
		ChunkBytes  int           `yaml:"chunk_bytes" env:"RECORDER_CHUNK_BYTES" env-default:"4096"`
		Device      string        `yaml:"device" env:"RECORDER_DEVICE"`
		Command     string        `yaml:"command" env:"RECORDER_COMMAND" env-default:"arecord"`
	} `yaml:"recorder"`

	Gateway struct {
		Addr           string        `yaml:"addr" env:"GATEWAY_ADDR" env-default:":8080"`
		RateLimit      int           `yaml:"rate_limit" env:"GATEWAY_RATE_LIMIT" env-default:"20"`
		RateInterval   time.Duration `yaml:"rate_interval" env:"GATEWAY_RATE_INTERVAL" env-default:"1s"`
		UploadsPerHour int64         `yaml:"uploads_per_hour" env:"GATEWAY_UPLOADS_PER_HOUR" env-default:"30"`
		ResultTTL      time.Duration `yaml:"result_ttl" env:"GATEWAY_RESULT_TTL" env-default:"24h"`
	} `yaml:"gateway"`

	RabbitMQ struct {
		URL string `yaml:"url" env:"RABBITMQ_URL"`
	} `yaml:"rabbitmq"`

	Postgres struct {
		DSN string `yaml:"dsn" env:"POSTGRES_DSN"`
	} `yaml:"postgres"`

	S3 struct {
		Endpoint  string `yaml:"endpoint" env:"S3_ENDPOINT"`
		Region    string `yaml:"region" env:"S3_REGION" env-default:"ru-central1"`
		AccessKey string `yaml:"access_key" env:"S3_ACCESS_KEY"`
		SecretKey string `yaml:"secret_key" env:"S3_SECRET_KEY"`
		Bucket    string `yaml:"bucket" env:"S3_BUCKET"`
	} `yaml:"s3"`

	Redis struct {
		Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
		Password string `yaml:"password" env:"REDIS_PASSWORD" env-default:""`
		DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	} `yaml:"redis"`

	Telegram struct {
		Token  string `yaml:"token" env:"TELEGRAM_BOT_TOKEN"`
		ChatID int64  `yaml:"chat_id" env:"TELEGRAM_CHAT_ID"`
	} `yaml:"telegram"`

	Journal struct {
		Path string `yaml:"path" env:"JOURNAL_PATH" env-default:".voxscore/journal"`
	} `yaml:"journal"`

	Worker struct {
		Concurrency int `yaml:"concurrency" env:"WORKER_CONCURRENCY" env-default:"4"`
	} `yaml:"worker"`

	Log struct {
		Debug bool `yaml:"debug" env:"LOG_DEBUG" env-default:"false"`
	} `yaml:"log"`
}

// LoadConfig reads the YAML file named by CONFIG_PATH (configs/config.yaml by
// default) with environment overrides. A missing file is not an error: the
// environment and defaults are used alone.
func LoadConfig() (*Config, error) {
	// Load .env file
	_ = godotenv.Load()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = defaultConfigPath
	}

	var cfg Config
	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read env: %w", err)
		}
	} else {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("Config loaded successfully")
	return &cfg, nil
}

// Validate rejects values the pipeline cannot run with
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return errors.New("backend base_url is required")
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.Poll.Interval)
	}
	if c.Poll.MaxAttempts < 1 {
		return fmt.Errorf("poll max_attempts must be at least 1, got %d", c.Poll.MaxAttempts)
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("upload max_bytes must be positive, got %d", c.Upload.MaxBytes)
	}
	if c.Recorder.SampleRate <= 0 || c.Recorder.Channels <= 0 {
		return errors.New("recorder sample_rate and channels must be positive")
	}
	return nil
}

// Usage describes every environment variable the config understands
func Usage() string {
	var cfg Config
	text, err := cleanenv.GetDescription(&cfg, nil)
	if err != nil {
		return ""
	}
	return text
}
