package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration
type Config struct {
	// Server
	Port    string
	TLSCert string
	TLSKey  string

	// Persistence
	DataDir string

	// Identity auth
	RequireGitHubAuth  bool
	GitHubClientID     string
	GitHubClientSecret string
	JWTSecret          string

	// CORS
	CORSOrigin string

	// Optional variables with defaults
	DevelopmentMode bool
	LogLevel        string

	// Rate Limits (ulule/limiter formatted, e.g. "30-M")
	RateLimitRooms string

	// Tracing
	OTLPEndpoint string
}

// ValidateEnv validates all environment variables and returns a Config.
// Returns an error listing every problem so operators fix them in one pass.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Optional: PORT (defaults to 4321)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "4321"
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Optional: TLS_CERT / TLS_KEY (must be set as a pair)
	cfg.TLSCert = os.Getenv("TLS_CERT")
	cfg.TLSKey = os.Getenv("TLS_KEY")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		errors = append(errors, "TLS_CERT and TLS_KEY must both be set to enable TLS")
	}

	// Optional: DATA_DIR (defaults to ./data/yjs-docs)
	cfg.DataDir = os.Getenv("DATA_DIR")
	if cfg.DataDir == "" {
		cfg.DataDir = "./data/yjs-docs"
	}

	// Identity auth: JWT_SECRET is required when the GitHub identity gate is on.
	cfg.RequireGitHubAuth = os.Getenv("REQUIRE_GITHUB_AUTH") == "true"
	cfg.GitHubClientID = os.Getenv("GITHUB_CLIENT_ID")
	cfg.GitHubClientSecret = os.Getenv("GITHUB_CLIENT_SECRET")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.RequireGitHubAuth {
		if cfg.JWTSecret == "" {
			errors = append(errors, "JWT_SECRET is required when REQUIRE_GITHUB_AUTH=true")
		} else if len(cfg.JWTSecret) < 32 {
			errors = append(errors, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
		}
		if cfg.GitHubClientID == "" || cfg.GitHubClientSecret == "" {
			errors = append(errors, "GITHUB_CLIENT_ID and GITHUB_CLIENT_SECRET are required when REQUIRE_GITHUB_AUTH=true")
		}
	}

	// Optional: CORS_ORIGIN (defaults to "*")
	cfg.CORSOrigin = os.Getenv("CORS_ORIGIN")
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"

	// Rate limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitRooms = getEnvOrDefault("RATE_LIMIT_ROOMS", "30-M")

	// Tracing (disabled when unset)
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return cfg, nil
}

// TLSEnabled reports whether a certificate pair was configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
