package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	LogLevel    string
	LogFormat   string

	MetricsAddr string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	ChainRPCURL     string
	ChainWSURL      string
	ChainID         int64
	ContractAddress string
	FundingKey      string
	TokenDecimals   int

	ScanInterval      time.Duration
	ConfirmTimeout    time.Duration
	AbandonThreshold  time.Duration
	WorkerConcurrency int
	QueueSize         int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "paycadence"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		LogFormat:   getenv("LOG_FORMAT", "json"),

		MetricsAddr: getenv("METRICS_ADDR", ":9464"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "paycadence"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),

		ChainRPCURL:     getenv("CHAIN_RPC_URL", "http://localhost:8545"),
		ChainWSURL:      strings.TrimSpace(getenv("CHAIN_WS_URL", "")),
		ChainID:         getenvInt64("CHAIN_ID", 1),
		ContractAddress: strings.TrimSpace(getenv("CONTRACT_ADDRESS", "")),
		FundingKey:      strings.TrimSpace(getenv("FUNDING_PRIVATE_KEY", "")),
		TokenDecimals:   getenvInt("TOKEN_DECIMALS", 18),

		ScanInterval:      getenvDuration("SCAN_INTERVAL", 5*time.Minute),
		ConfirmTimeout:    getenvDuration("CONFIRM_TIMEOUT", 3*time.Minute),
		AbandonThreshold:  getenvDuration("ABANDON_THRESHOLD", time.Hour),
		WorkerConcurrency: getenvInt("WORKER_CONCURRENCY", 4),
		QueueSize:         getenvInt("QUEUE_SIZE", 256),
	}

	return cfg
}

var Module = fx.Module("config",
	fx.Provide(Load),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
