package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func requirePostgresTestDSN(t *testing.T) string {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("ONGOINGAI_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("ONGOINGAI_TEST_POSTGRES_DSN is not set")
	}
	return dsn
}

// writePostgresConfig writes a config pointing storage at dsn.
func writePostgresConfig(t *testing.T, dsn string) string {
	t.Helper()

	configPath := filepath.Join(t.TempDir(), "ongoingai.yaml")
	body := fmt.Sprintf("storage:\n  driver: postgres\n  dsn: %q\n", dsn)
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write postgres config: %v", err)
	}
	return configPath
}
