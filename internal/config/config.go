package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

type WritePolicy string

const (
	WriteThrough WritePolicy = "write-through"
	Throttled    WritePolicy = "throttled"
)

type Config struct {
	Mode      Mode
	HTTPAddr  string
	PublicURL string

	// AppID is the deployment identifier in artifacts/{AppID}/public/data/...
	AppID string

	DBDriver string
	DBDSN    string

	BlobBasePath string

	AuthSecret string

	// Shared admin password. UI gate only; anyone holding it is "admin".
	AdminPassword string
	AdminPassHash string // bcrypt, preferred over AdminPassword when set
	EnableAdmin   bool

	CORSOrigins []string

	RedisAddr    string
	RedisChannel string

	WritePolicy    WritePolicy
	WriteInterval  time.Duration
	SessionIdleTTL time.Duration

	LogMode string
	LogFile string
}

// Load reads an optional .env file and then the process environment.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv()
}

func FromEnv() Config {
	mode := Mode(os.Getenv("MODE"))
	if mode == "" {
		mode = ModeOffline
	}
	logMode := envOr("LOG_MODE", "development")
	if mode == ModeOnline && os.Getenv("LOG_MODE") == "" {
		logMode = "production"
	}
	policy := WritePolicy(envOr("WRITE_POLICY", string(WriteThrough)))
	if policy != Throttled {
		policy = WriteThrough
	}
	return Config{
		Mode:           mode,
		HTTPAddr:       envOr("HTTP_ADDR", ":8080"),
		PublicURL:      strings.TrimSuffix(os.Getenv("PUBLIC_URL"), "/"),
		AppID:          envOr("APP_ID", "safety-app-default"),
		DBDriver:       envOr("DB_DRIVER", "sqlite"),
		DBDSN:          envOr("DB_DSN", ""),
		BlobBasePath:   envOr("BLOB_BASE_PATH", "./data"),
		AuthSecret:     envOr("AUTH_HMAC_SECRET", "formatrice-dev-key"),
		AdminPassword:  envOr("ADMIN_PASSWORD", "power"),
		AdminPassHash:  os.Getenv("ADMIN_PASS_HASH"),
		EnableAdmin:    envBool("ENABLE_ADMIN", true),
		CORSOrigins:    csvOr("CORS_ORIGINS", "http://localhost:5173,http://localhost:3000"),
		RedisAddr:      strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisChannel:   envOr("REDIS_CHANNEL", "formatrice-docs"),
		WritePolicy:    policy,
		WriteInterval:  envDuration("WRITE_INTERVAL", 2*time.Second),
		SessionIdleTTL: envDuration("SESSION_IDLE_TTL", 2*time.Hour),
		LogMode:        logMode,
		LogFile:        os.Getenv("LOG_FILE"),
	}
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}

func envDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
