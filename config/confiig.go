package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"loumass/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// EngineConfig holds the cadence and fan-out settings of the sequence and
// automation runners.
type EngineConfig struct {
	RunInterval       time.Duration `json:"run_interval"`
	Concurrency       int           `json:"concurrency"`
	LockTTL           time.Duration `json:"lock_ttl"`
	ReplyPollInterval time.Duration `json:"reply_poll_interval"`
	TrackingBaseURL   string        `json:"tracking_base_url"`
	TrackingSecret    string        `json:"-"`
	MessageIDDomain   string        `json:"message_id_domain"`
}

type SMSConfig struct {
	GatewayURL string `json:"gateway_url"`
	Token      string `json:"-"`
	From       string `json:"from"`
}

type Config struct {
	Environment    string       `json:"environment"`
	EncryptionKey  string       `json:"-"`
	JWTSecret      string       `json:"-"`
	ServerPort     string       `json:"server_port"`
	DBHost         string       `json:"db_host"`
	DBPort         string       `json:"db_port"`
	DBUser         string       `json:"db_user"`
	DBPassword     string       `json:"-"`
	DBName         string       `json:"db_name"`
	DBSSLMode      string       `json:"db_ssl_mode"`
	DBMaxIdleConns int          `json:"db_max_idle_conns"`
	DBMaxOpenConns int          `json:"db_max_open_conns"`
	Redis          RedisConfig  `json:"redis"`
	Engine         EngineConfig `json:"engine"`
	SMS            SMSConfig    `json:"sms"`
	SentryDSN      string       `json:"-"`
	LogLevel       string       `json:"log_level"`
	LogFormat      string       `json:"log_format"`
	CORSOrigins    string       `json:"cors_origins"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		EncryptionKey:  getEnv("ENCRYPTION_KEY", ""),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "loumass"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Engine: EngineConfig{
			RunInterval:       getEnvAsDuration("SEQUENCE_RUN_INTERVAL", time.Minute),
			Concurrency:       getEnvAsInt("SEQUENCE_CONCURRENCY", 10),
			LockTTL:           getEnvAsDuration("SEQUENCE_LOCK_TTL", 2*time.Minute),
			ReplyPollInterval: getEnvAsDuration("REPLY_POLL_INTERVAL", 5*time.Minute),
			TrackingBaseURL:   strings.TrimRight(getEnv("TRACKING_BASE_URL", "http://localhost:5000"), "/"),
			TrackingSecret:    getEnv("TRACKING_SECRET", ""),
			MessageIDDomain:   getEnv("MESSAGE_ID_DOMAIN", ""),
		},
		SMS: SMSConfig{
			GatewayURL: getEnv("SMS_GATEWAY_URL", ""),
			Token:      getEnv("SMS_GATEWAY_TOKEN", ""),
			From:       getEnv("SMS_FROM", ""),
		},
		SentryDSN:   getEnv("SENTRY_DSN", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "text"),
		CORSOrigins: getEnv("CORS_ORIGINS", "http://localhost:3000"),
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if n := len(AppConfig.EncryptionKey); n != 16 && n != 24 && n != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be 16, 24 or 32 bytes, got %d", n)
	}
	if AppConfig.JWTSecret == "" {
		AppConfig.JWTSecret = AppConfig.EncryptionKey
	}
	if AppConfig.Engine.TrackingSecret == "" {
		AppConfig.Engine.TrackingSecret = AppConfig.EncryptionKey
	}
	if AppConfig.Engine.Concurrency < 1 {
		AppConfig.Engine.Concurrency = 1
	}

	ConfigureLogging()
	logConfig()
	return nil
}

// ConfigureLogging applies LOG_LEVEL and LOG_FORMAT to the standard logrus logger.
func ConfigureLogging() {
	level, err := logrus.ParseLevel(AppConfig.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if AppConfig.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// InitSentry enables error capture when SENTRY_DSN is set. The returned
// function flushes buffered events and must be deferred by main.
func InitSentry() (func(), error) {
	if AppConfig.SentryDSN == "" {
		return func() {}, nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         AppConfig.SentryDSN,
		Environment: AppConfig.Environment,
	}); err != nil {
		return func() {}, fmt.Errorf("sentry init failed: %w", err)
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}

func ConnectDB() error {
	logrus.Info("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	logrus.WithField("dsn", maskPassword(dsn)).Debug("Using connection string")

	gormLogLevel := logger.Warn
	if AppConfig.Environment == "development" {
		gormLogLevel = logger.Info
	}

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(gormLogLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	logrus.Info("Successfully connected to the database")
	return nil
}

// MigrateDB creates the engine tables and the open-enrollment uniqueness indexes.
func MigrateDB(db *gorm.DB) error {
	logrus.Info("Starting database migration...")
	if err := db.AutoMigrate(
		&models.Sender{},
		&models.Contact{},
		&models.Sequence{},
		&models.Enrollment{},
		&models.EngagementEvent{},
		&models.Automation{},
		&models.AutomationExecution{},
		&models.AutomationExecutionEvent{},
	); err != nil {
		return err
	}

	if db.Dialector.Name() == "postgres" {
		statements := []string{
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_enrollments_open
				ON enrollments (sequence_id, contact_id)
				WHERE status IN ('ACTIVE', 'WAITING')`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_automation_executions_open
				ON automation_executions (automation_id, contact_id)
				WHERE status IN ('ACTIVE', 'WAITING')`,
		}
		for _, stmt := range statements {
			if err := db.Exec(stmt).Error; err != nil {
				return fmt.Errorf("failed to create partial index: %w", err)
			}
		}
	}
	logrus.Info("Database migration completed")
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		logrus.Warnf("Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	logrus.WithFields(logrus.Fields{
		"environment":         AppConfig.Environment,
		"server_port":         AppConfig.ServerPort,
		"database":            fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"redis_enabled":       AppConfig.Redis.Enabled,
		"run_interval":        AppConfig.Engine.RunInterval.String(),
		"concurrency":         AppConfig.Engine.Concurrency,
		"reply_poll_interval": AppConfig.Engine.ReplyPollInterval.String(),
		"sms_gateway":         AppConfig.SMS.GatewayURL != "",
		"sentry":              AppConfig.SentryDSN != "",
	}).Info("Loaded configuration")
}
