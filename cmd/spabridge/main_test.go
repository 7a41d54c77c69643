package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolateEnv clears variables that would leak host settings into run.
func isolateEnv(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	envFile := filepath.Join(tmpDir, "empty.env")
	if err := os.WriteFile(envFile, nil, 0600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Setenv("SPABRIDGE_ENV_FILE", envFile)
	for _, name := range []string{
		"SPABRIDGE_SPA_USERNAME", "CONTROLMYSPA_USER",
		"SPABRIDGE_SPA_PASSWORD", "CONTROLMYSPA_PASS",
		"SPABRIDGE_MQTT_HOST", "MQTTHOST",
		"SPABRIDGE_MQTT_PORT", "MQTTPORT",
	} {
		t.Setenv(name, "")
	}
	return tmpDir
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

// TestRun_InvalidConfig verifies run fails with an invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	isolateEnv(t)
	t.Setenv("SPABRIDGE_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("run() error = %v, want config error", err)
	}
}

// TestRun_MissingCredentials verifies run fails before connecting anywhere
// when the account is not configured.
func TestRun_MissingCredentials(t *testing.T) {
	dir := isolateEnv(t)
	t.Setenv("SPABRIDGE_CONFIG", writeConfig(t, dir, `
mqtt:
  broker:
    host: "127.0.0.1"
    port: 1883
logging:
  level: error
  format: text
`))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail without spa credentials")
	}
	if !strings.Contains(err.Error(), "spa.username") {
		t.Errorf("run() error = %v, want username validation error", err)
	}
}

// TestRun_MQTTUnreachable verifies run fails when the broker refuses
// connections.
func TestRun_MQTTUnreachable(t *testing.T) {
	dir := isolateEnv(t)
	t.Setenv("SPABRIDGE_CONFIG", writeConfig(t, dir, `
spa:
  username: "owner@example.com"
  password: "secret"
mqtt:
  broker:
    host: "127.0.0.1"
    port: 1
    client_id: "test-unreachable"
logging:
  level: error
  format: text
`))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail when MQTT is unreachable")
	}
	if !strings.Contains(err.Error(), "connecting to MQTT") {
		t.Errorf("run() error = %v, want MQTT error", err)
	}
}
