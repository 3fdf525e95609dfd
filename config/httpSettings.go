package config

import (
	"os"
	"strings"
	"time"
)

// HTTPSettings is the API process configuration read from the environment.
type HTTPSettings struct {
	Port           string
	Production     bool
	AllowedOrigins []string
	SkipMigrations bool

	RateLimitEnabled bool
	RateLimitMax     int64
	RateLimitWindow  time.Duration
}

// LoadHTTPSettings reads API_PORT (falling back to Cloud Run's PORT),
// GO_ENV, CORS_ALLOWED_ORIGINS, SKIP_MIGRATIONS and the RATE_LIMIT_* keys.
func LoadHTTPSettings() HTTPSettings {
	s := HTTPSettings{
		Port:             firstEnv("API_PORT", "PORT"),
		Production:       strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production"),
		AllowedOrigins:   splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		SkipMigrations:   EnvFlag("SKIP_MIGRATIONS"),
		RateLimitEnabled: EnvFlag("RATE_LIMIT_ENABLED"),
		RateLimitMax:     int64(intFromEnv("RATE_LIMIT_MAX_REQUESTS", 600)),
		RateLimitWindow:  time.Duration(intFromEnv("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
	}
	if s.Port == "" {
		s.Port = "8080"
	}
	if s.RateLimitMax <= 0 {
		s.RateLimitMax = 600
	}
	if s.RateLimitWindow <= 0 {
		s.RateLimitWindow = time.Minute
	}
	return s
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func splitList(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
