package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	if cfg.Host != "0.0.0.0" {
		t.Errorf("Host = %q, want 0.0.0.0", cfg.Host)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.InactivityTimeout != 1800*time.Second {
		t.Errorf("InactivityTimeout = %v, want 30m", cfg.InactivityTimeout)
	}
	if cfg.QueryTimeout != 60*time.Second {
		t.Errorf("QueryTimeout = %v, want 60s", cfg.QueryTimeout)
	}
	if cfg.ContainerMemoryMB != 512 {
		t.Errorf("ContainerMemoryMB = %d, want 512", cfg.ContainerMemoryMB)
	}
	if !cfg.BackupOnExpiry {
		t.Error("BackupOnExpiry should default to true")
	}
	if cfg.S3Bucket != "dbctl-backups" {
		t.Errorf("S3Bucket = %q, want dbctl-backups", cfg.S3Bucket)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("PORT", "9090")
	t.Setenv("INACTIVITY_TIMEOUT_SECS", "60")
	t.Setenv("QUERY_TIMEOUT_SECS", "5")
	t.Setenv("BACKUP_ON_EXPIRY", "false")

	cfg := FromEnv()

	if cfg.Addr() != "127.0.0.1:9090" {
		t.Errorf("Addr() = %q, want 127.0.0.1:9090", cfg.Addr())
	}
	if cfg.InactivityTimeout != time.Minute {
		t.Errorf("InactivityTimeout = %v, want 1m", cfg.InactivityTimeout)
	}
	if cfg.QueryTimeout != 5*time.Second {
		t.Errorf("QueryTimeout = %v, want 5s", cfg.QueryTimeout)
	}
	if cfg.BackupOnExpiry {
		t.Error("BACKUP_ON_EXPIRY=false should disable the toggle")
	}
}

func TestFromEnvBadValuesFallBack(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	t.Setenv("BACKUP_ON_EXPIRY", "sometimes")

	cfg := FromEnv()
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want default on parse failure", cfg.Port)
	}
	if !cfg.BackupOnExpiry {
		t.Error("unparseable BACKUP_ON_EXPIRY should keep the default")
	}
}

func TestBackupEnabled(t *testing.T) {
	cfg := &Config{
		BackupOnExpiry:    true,
		S3AccountID:       "acct",
		S3AccessKeyID:     "key",
		S3SecretAccessKey: "secret",
		S3Bucket:          "bucket",
	}
	if !cfg.BackupEnabled() {
		t.Error("all credentials present, toggle on: want enabled")
	}

	cfg.S3SecretAccessKey = ""
	if cfg.BackupEnabled() {
		t.Error("missing secret: want disabled")
	}

	cfg.S3SecretAccessKey = "secret"
	cfg.BackupOnExpiry = false
	if cfg.BackupEnabled() {
		t.Error("toggle off: want disabled even with credentials")
	}
}

func TestEndpoint(t *testing.T) {
	cfg := &Config{S3AccountID: "abc123"}
	if got := cfg.Endpoint(); got != "https://abc123.r2.cloudflarestorage.com" {
		t.Errorf("Endpoint() = %q", got)
	}

	cfg.S3Endpoint = "http://localhost:9000"
	if got := cfg.Endpoint(); got != "http://localhost:9000" {
		t.Errorf("Endpoint() override = %q", got)
	}
}

func TestValidateCreatesMetadataDir(t *testing.T) {
	dir := t.TempDir()
	cfg := FromEnv()
	cfg.MetadataPath = filepath.Join(dir, "nested", "metadata.db")

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}
