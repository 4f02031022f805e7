package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL      string `env:"DATABASE_URL,required"`
	DatabaseMaxConns int32  `env:"DATABASE_MAX_CONNS" envDefault:"10"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	// MQTT bridges workflow events between engine processes. Optional.
	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"scribe-engine"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"scribe"`

	// Redis holds durable step results. Falls back to in-memory when unset.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	KafkaBrokers       []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaFinalizeTopic string   `env:"KAFKA_FINALIZE_TOPIC" envDefault:"transcription.finalized"`

	ArtifactDir string `env:"ARTIFACT_DIR" envDefault:"./artifacts"`
	InboxDir    string `env:"INBOX_DIR"`

	S3 S3Config `envPrefix:"S3_"`

	Workflow  WorkflowConfig
	Saga      SagaConfig
	Providers ProviderConfig
}

// S3Config configures the optional S3-compatible artifact backend.
type S3Config struct {
	Bucket        string        `env:"BUCKET"`
	Endpoint      string        `env:"ENDPOINT"`
	Region        string        `env:"REGION" envDefault:"us-east-1"`
	AccessKey     string        `env:"ACCESS_KEY"`
	SecretKey     string        `env:"SECRET_KEY"`
	Prefix        string        `env:"PREFIX"`
	PresignExpiry time.Duration `env:"PRESIGN_EXPIRY" envDefault:"1h"`
	LocalCache    bool          `env:"LOCAL_CACHE" envDefault:"true"`

	// Local cache eviction. Files are pruned only once present in S3.
	CacheRetention time.Duration `env:"CACHE_RETENTION" envDefault:"0s"`
	CacheMaxGB     int           `env:"CACHE_MAX_GB" envDefault:"0"`
}

// Enabled reports whether an S3 bucket is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

type WorkflowConfig struct {
	Workers     int           `env:"WORKFLOW_WORKERS" envDefault:"16"`
	QueueSize   int           `env:"WORKFLOW_QUEUE_SIZE" envDefault:"1024"`
	MaxAttempts int           `env:"WORKFLOW_MAX_ATTEMPTS" envDefault:"3"`
	RetryDelay  time.Duration `env:"WORKFLOW_RETRY_DELAY" envDefault:"5s"`
	ReplaySize  int           `env:"WORKFLOW_REPLAY_SIZE" envDefault:"4096"`
	SagaWorkers int           `env:"WORKFLOW_SAGA_WORKERS" envDefault:"64"`
	StepTTL     time.Duration `env:"WORKFLOW_STEP_TTL" envDefault:"72h"`
}

type SagaConfig struct {
	SingleJobCeiling  time.Duration `env:"SINGLE_JOB_CEILING" envDefault:"900s"`
	MaxSourceDuration time.Duration `env:"MAX_SOURCE_DURATION" envDefault:"3h"`
	PrimaryTimeout    time.Duration `env:"PRIMARY_TIMEOUT" envDefault:"600s"`
	ChunkTimeout      time.Duration `env:"CHUNK_TIMEOUT" envDefault:"900s"`
	FailureGrace      time.Duration `env:"FAILURE_GRACE" envDefault:"1s"`
	PrimaryProvider   string        `env:"PRIMARY_PROVIDER" envDefault:"assemblyai"`
	ChunkProvider     string        `env:"CHUNK_PROVIDER" envDefault:"assemblyai"`
	AllowPaidDefault  bool          `env:"ALLOW_PAID_DEFAULT" envDefault:"false"`
}

type ProviderConfig struct {
	HTTPTimeout time.Duration `env:"PROVIDER_HTTP_TIMEOUT" envDefault:"120s"`

	TranscriptAPIURL string `env:"TRANSCRIPT_API_URL" envDefault:"https://api.supadata.ai/v1"`
	TranscriptAPIKey string `env:"TRANSCRIPT_API_KEY"`

	WhisperURL   string `env:"WHISPER_URL"`
	WhisperModel string `env:"WHISPER_MODEL" envDefault:"whisper-1"`

	AssemblyAIKey          string        `env:"ASSEMBLYAI_API_KEY"`
	AssemblyAIPollInterval time.Duration `env:"ASSEMBLYAI_POLL_INTERVAL" envDefault:"15s"`
	AssemblyAIMaxPolls     int           `env:"ASSEMBLYAI_MAX_POLLS" envDefault:"8"`

	DeepgramKey   string `env:"DEEPGRAM_API_KEY"`
	DeepgramModel string `env:"DEEPGRAM_MODEL" envDefault:"nova-2"`

	DeepInfraKey   string `env:"DEEPINFRA_API_KEY"`
	DeepInfraModel string `env:"DEEPINFRA_MODEL" envDefault:"openai/whisper-large-v3-turbo"`

	ElevenLabsKey      string `env:"ELEVENLABS_API_KEY"`
	ElevenLabsModel    string `env:"ELEVENLABS_MODEL" envDefault:"scribe_v1"`
	ElevenLabsKeyterms string `env:"ELEVENLABS_KEYTERMS"`

	PreprocessAudio bool   `env:"PREPROCESS_AUDIO" envDefault:"false"`
	YtDlpPath       string `env:"YTDLP_PATH" envDefault:"yt-dlp"`
	FFmpegPath      string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	FFprobePath     string `env:"FFPROBE_PATH" envDefault:"ffprobe"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile       string
	HTTPAddr      string
	LogLevel      string
	DatabaseURL   string
	MQTTBrokerURL string
	InboxDir      string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.MQTTBrokerURL != "" {
		cfg.MQTTBrokerURL = overrides.MQTTBrokerURL
	}
	if overrides.InboxDir != "" {
		cfg.InboxDir = overrides.InboxDir
	}

	return cfg, nil
}
