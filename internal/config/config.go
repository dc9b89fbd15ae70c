package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Config holds all configuration for the serverbox proxy daemon.
type Config struct {
	// Listener
	Host string
	Port int

	// Auth. ProxyKey defaults to AdminKey; setting SERVERBOX_PROXY_API_KEY
	// to the empty string explicitly disables proxy-route auth.
	AdminKey string
	ProxyKey string

	// Proxy behavior
	AutoResume       bool
	ResumeTimeoutMs  int
	RequestTimeoutMs int
	RequestLogs      bool

	LogLevel string

	// Metadata store. DatabaseURL selects Postgres; otherwise SQLite at DBPath.
	DBPath      string
	DatabaseURL string

	// Externally-visible base URL used to build proxyUrl in responses.
	PublicURL string

	// Daytona provider
	DaytonaAPIKey string
	DaytonaAPIURL string
	DaytonaTarget string

	// Instance defaults
	HealthTimeoutMs int
	PasswordLength  int
}

const (
	defaultPort             = 7788
	defaultResumeTimeoutMs  = 60000
	defaultRequestTimeoutMs = 60000
	defaultHealthTimeoutMs  = 60000
	defaultPasswordLength   = 32
	defaultDaytonaAPIURL    = "https://app.daytona.io/api"
)

// Load reads configuration from environment variables. If
// SERVERBOX_SECRETS_ARN is set, secrets are fetched from AWS Secrets
// Manager first, then environment variables are applied on top.
func Load() (*Config, error) {
	if arn := os.Getenv("SERVERBOX_SECRETS_ARN"); arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", arn, err)
		}
	}

	cfg := &Config{
		Host:             envOrDefault("SERVERBOX_PROXY_HOST", "0.0.0.0"),
		Port:             defaultPort,
		AdminKey:         os.Getenv("SERVERBOX_ADMIN_API_KEY"),
		AutoResume:       envOrDefaultBool("SERVERBOX_PROXY_AUTO_RESUME", true),
		ResumeTimeoutMs:  envOrDefaultInt("SERVERBOX_PROXY_RESUME_TIMEOUT_MS", defaultResumeTimeoutMs),
		RequestTimeoutMs: envOrDefaultInt("SERVERBOX_PROXY_REQUEST_TIMEOUT_MS", defaultRequestTimeoutMs),
		RequestLogs:      envOrDefaultBool("SERVERBOX_PROXY_REQUEST_LOGS", false),
		LogLevel:         envOrDefault("SERVERBOX_LOG_LEVEL", "info"),
		DBPath:           envOrDefault("SERVERBOX_DB_PATH", "./serverbox.db"),
		DatabaseURL:      os.Getenv("SERVERBOX_DATABASE_URL"),
		DaytonaAPIKey:    os.Getenv("DAYTONA_API_KEY"),
		DaytonaAPIURL:    envOrDefault("DAYTONA_API_URL", defaultDaytonaAPIURL),
		DaytonaTarget:    os.Getenv("DAYTONA_TARGET"),
		HealthTimeoutMs:  envOrDefaultInt("SERVERBOX_HEALTH_TIMEOUT_MS", defaultHealthTimeoutMs),
		PasswordLength:   defaultPasswordLength,
	}

	if cfg.AdminKey == "" {
		return nil, fmt.Errorf("SERVERBOX_ADMIN_API_KEY is required")
	}

	// Proxy key: unset reuses the admin key, explicitly empty disables.
	if v, ok := os.LookupEnv("SERVERBOX_PROXY_API_KEY"); ok {
		cfg.ProxyKey = v
	} else {
		cfg.ProxyKey = cfg.AdminKey
	}

	if portStr := os.Getenv("SERVERBOX_PROXY_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid SERVERBOX_PROXY_PORT %q: %w", portStr, err)
		}
		cfg.Port = port
	}

	cfg.PublicURL = envOrDefault("SERVERBOX_PUBLIC_URL", fmt.Sprintf("http://localhost:%d", cfg.Port))
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return fallback
}

// loadSecretsManager fetches a JSON secret from AWS Secrets Manager and
// sets any values as environment variables (only if not already set, so
// explicit env vars always win). Uses the default AWS credential chain.
func loadSecretsManager(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Extract region from ARN: arn:aws:secretsmanager:REGION:ACCOUNT:secret:NAME
	var opts []func(*awsconfig.LoadOptions) error
	if parts := strings.Split(arn, ":"); len(parts) >= 4 && parts[3] != "" {
		opts = append(opts, awsconfig.WithRegion(parts[3]))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return fmt.Errorf("GetSecretValue: %w", err)
	}

	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", arn)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return fmt.Errorf("parse secret JSON: %w", err)
	}

	applied := 0
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}

	log.Printf("config: loaded %d secrets from Secrets Manager (%d keys in secret, env overrides take precedence)", applied, len(secrets))
	return nil
}
