package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"story-pipeline/internal/model"
)

// Config содержит конфигурацию пайплайна генерации историй.
type Config struct {
	// Логирование
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogEncoding string `envconfig:"LOG_ENCODING" default:"json"`
	LogOutput   string `envconfig:"LOG_OUTPUT_PATH" default:""`

	// Настройки AI
	AIClientType     string        `envconfig:"AI_CLIENT_TYPE" default:"openai"` // openai | ollama
	AIBaseURL        string        `envconfig:"AI_BASE_URL" default:"https://api.openai.com/v1"`
	AIModel          string        `envconfig:"AI_MODEL" default:"gpt-4o-mini"`
	AIJudgeModel     string        `envconfig:"AI_JUDGE_MODEL" default:""` // Модель для проверок, по умолчанию AIModel
	AIMaxTokens      int           `envconfig:"AI_MAX_TOKENS" default:"4096"`
	AITemperature    float64       `envconfig:"AI_TEMPERATURE" default:"0.8"`
	AITimeout        time.Duration `envconfig:"AI_TIMEOUT" default:"120s"`
	AIMaxAttempts    int           `envconfig:"AI_MAX_ATTEMPTS" default:"3"`
	AIBaseRetryDelay time.Duration `envconfig:"AI_BASE_RETRY_DELAY" default:"1s"`
	AIMaxRetryDelay  time.Duration `envconfig:"AI_MAX_RETRY_DELAY" default:"20s"`
	// Секрет, читается из файла или окружения
	AIAPIKey string `ignored:"true"`

	// Настройки генерации обложек
	ImageProvider          string        `envconfig:"IMAGE_PROVIDER" default:"openai"` // openai | sana
	ImageBaseURL           string        `envconfig:"IMAGE_BASE_URL" default:"https://api.openai.com/v1"`
	ImageModel             string        `envconfig:"IMAGE_MODEL" default:"dall-e-3"`
	ImageSize              string        `envconfig:"IMAGE_SIZE" default:"1024x1792"`
	ImageRatio             string        `envconfig:"IMAGE_RATIO" default:"2:3"`
	ImageTimeout           time.Duration `envconfig:"IMAGE_TIMEOUT" default:"90s"`
	ImageMaxAttempts       int           `envconfig:"IMAGE_MAX_ATTEMPTS" default:"2"`
	ImageSavePath          string        `envconfig:"IMAGE_SAVE_PATH" default:"./covers"`
	ImagePublicBaseURL     string        `envconfig:"IMAGE_PUBLIC_BASE_URL" default:""`
	ImagePromptStyleSuffix string        `envconfig:"IMAGE_PROMPT_STYLE_SUFFIX" default:"children's picture book illustration, warm light"`
	ImageFallbackRef       string        `envconfig:"IMAGE_FALLBACK_REF" default:"covers/default-cover.jpg"`
	// Секрет, может отсутствовать: тогда обложки всегда запасные
	ImageAPIKey string `ignored:"true"`

	// Настройки PostgreSQL
	DBHost          string        `envconfig:"DB_HOST" default:"localhost"`
	DBPort          string        `envconfig:"DB_PORT" default:"5432"`
	DBUser          string        `envconfig:"DB_USER" default:"postgres"`
	DBName          string        `envconfig:"DB_NAME" default:"stories"`
	DBSSLMode       string        `envconfig:"DB_SSL_MODE" default:"disable"`
	DBMaxConns      int           `envconfig:"DB_MAX_CONNECTIONS" default:"10"`
	DBIdleTimeout   time.Duration `envconfig:"DB_MAX_IDLE_MINUTES" default:"5m"`
	DBQueryTimeout  time.Duration `envconfig:"DB_QUERY_TIMEOUT" default:"15s"`
	DBAutoMigrate   bool          `envconfig:"DB_AUTO_MIGRATE" default:"true"`
	DBConnectTries  int           `envconfig:"DB_CONNECT_ATTEMPTS" default:"10"`
	DBConnectPeriod time.Duration `envconfig:"DB_CONNECT_RETRY_DELAY" default:"3s"`
	// Секрет
	DBPassword string `ignored:"true"`

	// Очередь и проверки
	QueueStaleAfter  time.Duration `envconfig:"QUEUE_STALE_AFTER" default:"30m"`
	ValuesThreshold  float64       `envconfig:"VALUES_THRESHOLD" default:"3"`
	QualityThreshold float64       `envconfig:"QUALITY_THRESHOLD" default:"70"`
	GatePolicyFile   string        `envconfig:"GATE_POLICY_FILE" default:""`
	Policy           GatePolicy    `ignored:"true"`

	// Генерация брифов
	BriefLowWatermark int           `envconfig:"BRIEF_LOW_WATERMARK" default:"3"`
	BriefRefillCount  int           `envconfig:"BRIEF_REFILL_COUNT" default:"5"`
	BriefDedupTTL     time.Duration `envconfig:"BRIEF_DEDUP_TTL" default:"720h"`
	RedisURL          string        `envconfig:"REDIS_URL" default:""`

	// Уведомления о готовых историях
	RabbitMQURL     string `envconfig:"RABBITMQ_URL" default:""`
	StoryReadyQueue string `envconfig:"STORY_READY_QUEUE" default:"story_ready"`

	// Метрики и трассировка
	PushgatewayURL string  `envconfig:"PUSHGATEWAY_URL" default:""`
	OTelEnabled    bool    `envconfig:"OTEL_ENABLED" default:"false"`
	OTelExporter   string  `envconfig:"OTEL_EXPORTER" default:"otlp-http"`
	OTelEndpoint   string  `envconfig:"OTEL_ENDPOINT" default:""`
	OTelSampleRate float64 `envconfig:"OTEL_SAMPLE_RATE" default:"1"`

	// Режим воркера
	WorkerSchedule    string `envconfig:"WORKER_SCHEDULE" default:"@every 1m"`
	WorkerConcurrency int    `envconfig:"WORKER_CONCURRENCY" default:"2"`
	WorkerHTTPPort    string `envconfig:"WORKER_HTTP_PORT" default:"8085"`

	// Каталог секретов (Docker secrets)
	SecretsDir string `envconfig:"SECRETS_DIR" default:"/run/secrets"`
}

// LoadConfig загружает конфигурацию из .env, переменных окружения, секретов
// и необязательного файла политики проверок. Обязательные параметры не
// проверяются: для миграций ключи моделей не нужны, проверку делает Validate.
func LoadConfig() (*Config, error) {
	// .env не обязателен
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: failed to load .env: %v", model.ErrConfiguration, err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrConfiguration, err)
	}

	cfg.AIAPIKey = readSecret(cfg.SecretsDir, "ai_api_key", "AI_API_KEY")
	cfg.ImageAPIKey = readSecret(cfg.SecretsDir, "image_api_key", "IMAGE_API_KEY")
	cfg.DBPassword = readSecret(cfg.SecretsDir, "db_password", "DB_PASSWORD")

	policy, err := LoadGatePolicy(cfg.GatePolicyFile)
	if err != nil {
		return nil, err
	}
	cfg.Policy = policy
	if policy.ValuesThreshold != nil {
		cfg.ValuesThreshold = *policy.ValuesThreshold
	}
	if policy.QualityThreshold != nil {
		cfg.QualityThreshold = *policy.QualityThreshold
	}
	return &cfg, nil
}

// Validate проверяет обязательные параметры. Ошибки оборачивают model.ErrConfiguration.
func (c *Config) Validate() error {
	var problems []string

	switch strings.ToLower(c.AIClientType) {
	case "openai":
		if c.AIAPIKey == "" {
			problems = append(problems, "AI API key is not set (secret ai_api_key or AI_API_KEY)")
		}
	case "ollama":
	default:
		problems = append(problems, fmt.Sprintf("unknown AI_CLIENT_TYPE %q", c.AIClientType))
	}
	if c.AIModel == "" {
		problems = append(problems, "AI_MODEL is empty")
	}
	if c.AIMaxAttempts < 1 {
		problems = append(problems, "AI_MAX_ATTEMPTS must be >= 1")
	}
	if c.ImageMaxAttempts < 1 {
		problems = append(problems, "IMAGE_MAX_ATTEMPTS must be >= 1")
	}
	if c.ValuesThreshold < 0 || c.ValuesThreshold > 5 {
		problems = append(problems, "VALUES_THRESHOLD must be within [0, 5]")
	}
	if c.QualityThreshold < 0 || c.QualityThreshold > 100 {
		problems = append(problems, "QUALITY_THRESHOLD must be within [0, 100]")
	}
	if c.QueueStaleAfter <= 0 {
		problems = append(problems, "QUEUE_STALE_AFTER must be positive")
	}
	if c.ImageFallbackRef == "" {
		problems = append(problems, "IMAGE_FALLBACK_REF is empty")
	}
	switch strings.ToLower(c.ImageProvider) {
	case "openai", "sana":
	default:
		problems = append(problems, fmt.Sprintf("unknown IMAGE_PROVIDER %q", c.ImageProvider))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", model.ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// ImageEnabled сообщает, настроен ли провайдер обложек.
// Без учетных данных обложки заменяются запасными, прогон не прерывается.
func (c *Config) ImageEnabled() bool {
	switch strings.ToLower(c.ImageProvider) {
	case "openai":
		return c.ImageAPIKey != ""
	case "sana":
		return c.ImageBaseURL != "" && c.ImagePublicBaseURL != ""
	}
	return false
}

// JudgeModel возвращает модель для проверок.
func (c *Config) JudgeModel() string {
	if c.AIJudgeModel != "" {
		return c.AIJudgeModel
	}
	return c.AIModel
}

// GetDSN возвращает строку подключения (DSN) для PostgreSQL
func (c *Config) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// MaskedDSN возвращает DSN с замаскированным паролем для логирования
func (c *Config) MaskedDSN() string {
	dsn := c.GetDSN()
	parts := strings.Split(dsn, "@")
	if len(parts) != 2 {
		return "[invalid dsn format]"
	}
	userInfo := strings.Split(parts[0], ":")
	if len(userInfo) >= 3 {
		userInfo[len(userInfo)-1] = "********"
	}
	return strings.Join(userInfo, ":") + "@" + parts[1]
}

// LogSummary пишет загруженную конфигурацию без секретов.
func (c *Config) LogSummary(log *zap.Logger) {
	log.Info("Configuration loaded",
		zap.String("ai_client", c.AIClientType),
		zap.String("ai_base_url", c.AIBaseURL),
		zap.String("ai_model", c.AIModel),
		zap.String("ai_judge_model", c.JudgeModel()),
		zap.Duration("ai_timeout", c.AITimeout),
		zap.Int("ai_max_attempts", c.AIMaxAttempts),
		zap.Duration("ai_base_retry_delay", c.AIBaseRetryDelay),
		zap.String("image_provider", c.ImageProvider),
		zap.Bool("image_enabled", c.ImageEnabled()),
		zap.String("db_dsn", c.MaskedDSN()),
		zap.Duration("queue_stale_after", c.QueueStaleAfter),
		zap.Float64("values_threshold", c.ValuesThreshold),
		zap.Float64("quality_threshold", c.QualityThreshold),
		zap.Int("blocked_terms", len(c.Policy.BlockedTerms)),
		zap.Bool("redis_dedup", c.RedisURL != ""),
		zap.Bool("story_ready_events", c.RabbitMQURL != ""),
	)
	if !c.ImageEnabled() {
		log.Warn("Image provider credentials are missing, covers will use the fallback image",
			zap.String("fallback", c.ImageFallbackRef))
	}
}
