package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
type Config struct {
	HTTPAddr string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis配置
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MinioRegion    string

	// Music providers
	SunoAPIURL    string
	SunoAPIKey    string
	SunoModel     string
	SunoCallback  string
	MurekaAPIURL  string
	MurekaAPIKey  string
	MurekaModel   string
	ProviderQPS   float64 // outbound request pacing per provider
	ProviderBurst int

	// Text providers used for enrichment and lyric drafts
	OpenAIAPIURL    string
	OpenAIAPIKey    string
	OpenAIModel     string
	AnthropicAPIURL string
	AnthropicAPIKey string
	AnthropicModel  string
	DeepSeekAPIURL  string
	DeepSeekAPIKey  string
	DeepSeekModel   string

	// Generation tracking
	PollInitialDelay time.Duration
	PollInterval     time.Duration
	PollTimeout      time.Duration
	SweepInterval    time.Duration
	DownloadWorkers  int
	EnrichTracks     bool

	RateLimitFile string
	PresignTTL    time.Duration

	JWTSecret string
	JWTTTL    time.Duration

	LogLevel string
	LogFile  string
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("5s", "10m").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}
	return FromEnv()
}

// FromEnv builds a Config from the current process environment only.
func FromEnv() *Config {
	return &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"), // no hardcoded default for the password
		DBName:     getEnv("DB_NAME", "tuneforge"),

		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getEnv("MINIO_BUCKET", "tuneforge"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),

		SunoAPIURL:    getEnv("SUNO_API_URL", "https://api.sunoapi.org"),
		SunoAPIKey:    os.Getenv("SUNO_API_KEY"),
		SunoModel:     getEnv("SUNO_MODEL", "V4_5"),
		SunoCallback:  getEnv("SUNO_CALLBACK_URL", ""),
		MurekaAPIURL:  getEnv("MUREKA_API_URL", "https://api.mureka.ai"),
		MurekaAPIKey:  os.Getenv("MUREKA_API_KEY"),
		MurekaModel:   getEnv("MUREKA_MODEL", "auto"),
		ProviderQPS:   getEnvFloat("PROVIDER_QPS", 2),
		ProviderBurst: getEnvInt("PROVIDER_BURST", 4),

		OpenAIAPIURL:    getEnv("OPENAI_API_URL", "https://api.openai.com/v1"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:     getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		AnthropicAPIURL: getEnv("ANTHROPIC_API_URL", "https://api.anthropic.com"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  getEnv("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
		DeepSeekAPIURL:  getEnv("DEEPSEEK_API_URL", "https://api.deepseek.com/v1"),
		DeepSeekAPIKey:  os.Getenv("DEEPSEEK_API_KEY"),
		DeepSeekModel:   getEnv("DEEPSEEK_MODEL", "deepseek-chat"),

		PollInitialDelay: getEnvDuration("POLL_INITIAL_DELAY", 3*time.Second),
		PollInterval:     getEnvDuration("POLL_INTERVAL", 5*time.Second),
		PollTimeout:      getEnvDuration("POLL_TIMEOUT", 5*time.Minute),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", time.Minute),
		DownloadWorkers:  getEnvInt("DOWNLOAD_WORKERS", 4),
		EnrichTracks:     getEnvBool("ENRICH_TRACKS", true),

		RateLimitFile: getEnv("RATE_LIMIT_FILE", ""),
		PresignTTL:    getEnvDuration("PRESIGN_TTL", time.Hour),

		JWTSecret: getEnv("JWT_SECRET", "change-me"),
		JWTTTL:    getEnvDuration("JWT_TTL", 7*24*time.Hour),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),
	}
}
