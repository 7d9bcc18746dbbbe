package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/hitoshi/letsgo/internal/access"
	"github.com/hitoshi/letsgo/internal/directory"
)

// ドキュメントストアの種類
const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Document store
	DocstoreDriver string
	DatabaseURL    string
	MongoURI       string
	MongoDatabase  string

	// Token
	TokenSecret string
	TokenTTL    time.Duration

	// Password provider
	BcryptCost         int
	LoginMaxFailures   int
	LoginFailureWindow time.Duration
	PasswordResetTTL   time.Duration

	// Policy
	AccessPolicy        access.Policy
	UsernameReservation directory.ReservationMode

	// Rate Limit
	RateLimitGeneral int
	RateLimitWrite   int

	// Worker
	CleanupInterval time.Duration
	AuditInterval   time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// LoadDotEnv は.envファイルを環境変数に読み込む。既に設定済みの環境変数は上書きしない。
// ファイルが存在しない場合は何もしない。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DocstoreDriver = getEnvString("DOCSTORE_DRIVER", DriverPostgres)
	switch cfg.DocstoreDriver {
	case DriverPostgres:
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
		if cfg.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case DriverMongo:
		cfg.MongoURI = os.Getenv("MONGO_URI")
		if cfg.MongoURI == "" {
			missing = append(missing, "MONGO_URI")
		}
	case DriverMemory:
	default:
		return nil, fmt.Errorf("unknown DOCSTORE_DRIVER: %q", cfg.DocstoreDriver)
	}

	cfg.TokenSecret = os.Getenv("TOKEN_SECRET")
	if cfg.TokenSecret == "" {
		missing = append(missing, "TOKEN_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	policy, err := access.ParsePolicy(getEnvString("ACCESS_POLICY", string(access.PolicyAnyMember)))
	if err != nil {
		return nil, err
	}
	cfg.AccessPolicy = policy

	mode, err := directory.ParseReservationMode(getEnvString("USERNAME_RESERVATION", string(directory.ModeCheckThenWrite)))
	if err != nil {
		return nil, err
	}
	cfg.UsernameReservation = mode

	// Optional fields with defaults
	cfg.MongoDatabase = getEnvString("MONGO_DATABASE", "letsgo")
	cfg.TokenTTL = getEnvDuration("TOKEN_TTL", 24*time.Hour)
	cfg.BcryptCost = getEnvInt("BCRYPT_COST", 10)
	cfg.LoginMaxFailures = getEnvInt("LOGIN_MAX_FAILURES", 5)
	cfg.LoginFailureWindow = getEnvDuration("LOGIN_FAILURE_WINDOW", 15*time.Minute)
	cfg.PasswordResetTTL = getEnvDuration("PASSWORD_RESET_TTL", time.Hour)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitWrite = getEnvInt("RATE_LIMIT_WRITE", 30)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.AuditInterval = getEnvDuration("AUDIT_INTERVAL", 6*time.Hour)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
