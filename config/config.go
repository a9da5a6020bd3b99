package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr       string
	AllowedOrigins []string
	TrustedProxies []string
	LogLevel       string
	LogFormat      string

	StorageDir         string
	RetentionWindow    time.Duration
	SweepInterval      time.Duration
	MaxFileSize        int64
	MaxFilesPerRequest int

	RateLimitAnonymous     int
	RateLimitAuthenticated int
	RateLimitWindow        time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	RedisTimeout  time.Duration

	WorkerCount       int
	QueueSize         int
	ConversionTimeout time.Duration
	GotenbergURL      string
	FFmpegPath        string

	ArchiveMaxEntries      int
	ArchiveMaxExpandedSize int64

	CloudImportTimeout time.Duration

	S3Bucket       string
	S3Region       string
	AWSS3AccessKey string
	AWSS3SecretKey string
	S3Endpoint     string
	S3UsePathStyle bool
	S3Prefix       string

	DatabaseURL string
}

// Load reads the process environment once at startup. A .env file in the
// working directory is applied first when present; real environment
// variables win over it.
func Load() *Config {
	_ = godotenv.Load()

	redisPrefix := getEnv("REDIS_PREFIX", "filevora:")

	return &Config{
		HTTPAddr:       getEnv("HTTP_ADDR", ":8000"),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://127.0.0.1:3000"}),
		TrustedProxies: getEnvList("TRUSTED_PROXIES", nil),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "text"),

		StorageDir:         getEnv("STORAGE_DIR", "storage/jobs"),
		RetentionWindow:    getEnvSeconds("FILE_RETENTION_SECONDS", 3600),
		SweepInterval:      getEnvSeconds("SWEEP_INTERVAL_SECONDS", 600),
		MaxFileSize:        int64(getEnvInt("MAX_FILE_SIZE", 50*1024*1024)),
		MaxFilesPerRequest: getEnvInt("MAX_FILES_PER_REQUEST", 10),

		RateLimitAnonymous:     getEnvInt("RATE_LIMIT_ANONYMOUS", 100),
		RateLimitAuthenticated: getEnvInt("RATE_LIMIT_AUTHENTICATED", 1000),
		RateLimitWindow:        getEnvSeconds("RATE_LIMIT_WINDOW_SECONDS", 3600),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisPrefix:   redisPrefix,
		RedisTimeout:  time.Duration(getEnvInt("REDIS_TIMEOUT_MS", 500)) * time.Millisecond,

		WorkerCount:       getEnvInt("CONVERSION_WORKER_COUNT", 3),
		QueueSize:         getEnvInt("CONVERSION_QUEUE_SIZE", 64),
		ConversionTimeout: getEnvSeconds("CONVERSION_TIMEOUT", 120),
		GotenbergURL:      getEnv("GOTENBERG_URL", "http://gotenberg:3000"),
		FFmpegPath:        getEnv("FFMPEG_PATH", "ffmpeg"),

		ArchiveMaxEntries:      getEnvInt("ARCHIVE_MAX_ENTRIES", 10000),
		ArchiveMaxExpandedSize: int64(getEnvInt("ARCHIVE_MAX_EXPANDED_SIZE", 512*1024*1024)),

		CloudImportTimeout: getEnvSeconds("CLOUD_IMPORT_TIMEOUT", 30),

		S3Bucket: getEnv("AWS_BUCKET", ""),
		// Prefer unified S3_* vars, fall back to legacy AWS_* vars for compatibility
		S3Region:       getEnvWithFallback("S3_REGION", "AWS_DEFAULT_REGION", "us-east-1"),
		AWSS3AccessKey: getEnvWithFallback("S3_KEY", "AWS_ACCESS_KEY_ID", ""),
		AWSS3SecretKey: getEnvWithFallback("S3_SECRET", "AWS_SECRET_ACCESS_KEY", ""),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3UsePathStyle: getEnvBool("S3_USE_PATH_STYLE_ENDPOINT", false),
		S3Prefix:       getEnv("S3_PREFIX", "jobs"),

		DatabaseURL: databaseURL(),
	}
}

// S3Enabled reports whether remote object storage credentials are present.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.AWSS3AccessKey != "" && c.AWSS3SecretKey != ""
}

// RedisEnabled reports whether a shared admission counter is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

// DatabaseEnabled reports whether Postgres is configured.
func (c *Config) DatabaseEnabled() bool {
	return c.DatabaseURL != ""
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.StorageDir) == "" {
		errs = append(errs, errors.New("STORAGE_DIR must not be empty"))
	}
	if c.RetentionWindow <= 0 {
		errs = append(errs, fmt.Errorf("FILE_RETENTION_SECONDS must be positive, got %s", c.RetentionWindow))
	}
	if c.SweepInterval < time.Second {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL_SECONDS must be at least 1, got %s", c.SweepInterval))
	}
	if c.MaxFileSize <= 0 {
		errs = append(errs, fmt.Errorf("MAX_FILE_SIZE must be positive, got %d", c.MaxFileSize))
	}
	if c.MaxFilesPerRequest <= 0 {
		errs = append(errs, fmt.Errorf("MAX_FILES_PER_REQUEST must be positive, got %d", c.MaxFilesPerRequest))
	}
	if c.RateLimitAnonymous <= 0 || c.RateLimitAuthenticated <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	if c.RateLimitAuthenticated < c.RateLimitAnonymous {
		errs = append(errs, errors.New("RATE_LIMIT_AUTHENTICATED must not be lower than RATE_LIMIT_ANONYMOUS"))
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS must be positive, got %s", c.RateLimitWindow))
	}
	if c.WorkerCount <= 0 {
		errs = append(errs, fmt.Errorf("CONVERSION_WORKER_COUNT must be positive, got %d", c.WorkerCount))
	}
	if c.ArchiveMaxEntries <= 0 || c.ArchiveMaxExpandedSize <= 0 {
		errs = append(errs, errors.New("ARCHIVE_MAX_ENTRIES and ARCHIVE_MAX_EXPANDED_SIZE must be positive"))
	}
	if c.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("CONVERSION_QUEUE_SIZE must not be negative, got %d", c.QueueSize))
	}
	return errors.Join(errs...)
}

// databaseURL builds a lib/pq key=value connection string. An empty DB_HOST
// disables the database entirely.
func databaseURL() string {
	dbHost := getEnv("DB_HOST", "")
	if dbHost == "" {
		return ""
	}
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_DATABASE", "filevora")
	dbUser := getEnv("DB_USERNAME", "filevora")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")
	dbSSLCert := getEnv("DB_SSLCERT", "")
	dbSSLKey := getEnv("DB_SSLKEY", "")
	dbSSLRootCert := getEnv("DB_SSLROOTCERT", "")

	// lib/pq supports "key=value" connection strings and this avoids
	// URI escaping issues for special characters in passwords.
	var dbURL string
	if dbPassword != "" {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbPassword, dbSSLMode,
		)
	} else {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbSSLMode,
		)
	}

	if dbSSLCert != "" {
		dbURL += fmt.Sprintf(" sslcert=%s", dbSSLCert)
	}
	if dbSSLKey != "" {
		dbURL += fmt.Sprintf(" sslkey=%s", dbSSLKey)
	}
	if dbSSLRootCert != "" {
		dbURL += fmt.Sprintf(" sslrootcert=%s", dbSSLRootCert)
	}
	return dbURL
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvWithFallback(primaryKey, secondaryKey, fallback string) string {
	if value := os.Getenv(primaryKey); value != "" {
		return value
	}
	if value := os.Getenv(secondaryKey); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
