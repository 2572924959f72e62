package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelTrace LogLevel = "trace"
)

// Config holds all application configuration, sourced from environment
// variables.
type Config struct {
	LogLevel LogLevel
	Host     string
	Port     int
	Socket   string // container daemon socket path (SDK mode)
	Runtime  string // "docker", "podman", or "nerdctl"

	MetadataPath string // bbolt database file

	InactivityTimeout time.Duration // idle horizon before the sweeper archives
	QueryTimeout      time.Duration // per-query wall clock
	ContainerMemoryMB int64         // memory cap per pool container

	// Object storage for archived dumps. Backup is enabled only when the
	// toggle is on and every credential field is set.
	BackupOnExpiry    bool
	S3AccountID       string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Bucket          string
	S3Endpoint        string
}

// FromEnv builds a Config from environment variables, applying defaults for
// anything unset.
func FromEnv() *Config {
	return &Config{
		LogLevel: LogLevel(envString("LOG_LEVEL", "info")),
		Host:     envString("HOST", "0.0.0.0"),
		Port:     envInt("PORT", 8080),
		Socket:   envString("DOCKER_SOCKET", ""),
		Runtime:  envString("CONTAINER_RUNTIME", "docker"),

		MetadataPath: envString("METADATA_DB_PATH", "/data/metadata.db"),

		InactivityTimeout: time.Duration(envInt("INACTIVITY_TIMEOUT_SECS", 1800)) * time.Second,
		QueryTimeout:      time.Duration(envInt("QUERY_TIMEOUT_SECS", 60)) * time.Second,
		ContainerMemoryMB: int64(envInt("CONTAINER_MEMORY_MB", 512)),

		BackupOnExpiry:    envBool("BACKUP_ON_EXPIRY", true),
		S3AccountID:       envString("S3_ACCOUNT_ID", ""),
		S3AccessKeyID:     envString("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: envString("S3_SECRET_ACCESS_KEY", ""),
		S3Bucket:          envString("S3_BUCKET", "dbctl-backups"),
		S3Endpoint:        envString("S3_ENDPOINT", ""),
	}
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	host := c.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := c.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// BackupEnabled reports whether archived instances are dumped to object
// storage. All credential fields must be present; a bare toggle is not
// enough.
func (c *Config) BackupEnabled() bool {
	return c.BackupOnExpiry &&
		c.S3AccountID != "" &&
		c.S3AccessKeyID != "" &&
		c.S3SecretAccessKey != "" &&
		c.S3Bucket != ""
}

// Endpoint returns the object-store endpoint, deriving the R2 form from the
// account id when no explicit override is set.
func (c *Config) Endpoint() string {
	if c.S3Endpoint != "" {
		return c.S3Endpoint
	}
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", c.S3AccountID)
}

// Validate checks the configuration and creates the metadata directory.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if dir := filepath.Dir(c.MetadataPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create metadata directory: %w", err)
		}
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
