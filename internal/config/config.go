package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values. The single registered client
// and all TTLs are injected here rather than read from process globals at the
// call sites.
type Config struct {
	Environment          string
	HTTPPort             string
	DatabaseURL          string
	ClientID             string
	ClientSecret         string
	RedirectURIs         []string
	CodeTTL              time.Duration
	AccessTokenTTL       time.Duration
	SessionTokenTTL      time.Duration
	SweepInterval        time.Duration
	AuthServerURL        string
	RedirectURI          string
	SeedEmail            string
	SeedPassword         string
	SeedName             string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	ServiceName          string
	RateLimitRPM         int
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	clientID := strings.TrimSpace(os.Getenv("CLIENT_ID"))
	if clientID == "" {
		return Config{}, fmt.Errorf("CLIENT_ID is required")
	}
	clientSecret := strings.TrimSpace(os.Getenv("CLIENT_SECRET"))
	if clientSecret == "" {
		return Config{}, fmt.Errorf("CLIENT_SECRET is required")
	}

	cfg := Config{
		Environment:          getEnv("APP_ENV", "development"),
		HTTPPort:             getEnv("HTTP_PORT", "5001"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		ClientID:             clientID,
		ClientSecret:         clientSecret,
		RedirectURIs:         getList("REDIRECT_URIS", nil),
		CodeTTL:              getDuration("CODE_TTL", 10*time.Minute),
		AccessTokenTTL:       getDuration("ACCESS_TOKEN_TTL", 24*time.Hour),
		SessionTokenTTL:      getDuration("SESSION_TOKEN_TTL", 7*24*time.Hour),
		SweepInterval:        getDuration("SWEEP_INTERVAL", 15*time.Minute),
		AuthServerURL:        getEnv("AUTH_SERVER_URL", "http://localhost:5001"),
		RedirectURI:          getEnv("REDIRECT_URI", "http://localhost:5173/auth/callback"),
		SeedEmail:            strings.TrimSpace(os.Getenv("SEED_EMAIL")),
		SeedPassword:         os.Getenv("SEED_PASSWORD"),
		SeedName:             getEnv("SEED_NAME", "Test User"),
		RedisAddr:            getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getInt("REDIS_DB", 0),
		ServiceName:          getEnv("SERVICE_NAME", "oz-auth"),
		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if len(cfg.RedirectURIs) == 0 {
		cfg.RedirectURIs = []string{cfg.RedirectURI}
	}

	return cfg, nil
}

// AllowsRedirectURI reports whether the redirect URI is on the configured
// allow-list.
func (c Config) AllowsRedirectURI(uri string) bool {
	cleaned := strings.TrimSpace(uri)
	if cleaned == "" {
		return false
	}
	for _, allowed := range c.RedirectURIs {
		if strings.EqualFold(strings.TrimSpace(allowed), cleaned) {
			return true
		}
	}
	return false
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
