package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolve_FlagWinsOverEnv(t *testing.T) {
	t.Setenv("SAML10FLASH_PROBE", "env-probe")
	if got := ProbeSelector("flag-probe"); got != "flag-probe" {
		t.Fatalf("ProbeSelector = %q, want flag-probe", got)
	}
}

func TestResolve_FallsBackToEnv(t *testing.T) {
	t.Setenv("SAML10FLASH_PROBE", "env-probe")
	if got := ProbeSelector(""); got != "env-probe" {
		t.Fatalf("ProbeSelector = %q, want env-probe", got)
	}
}

func TestResolve_FallsBackToDefault(t *testing.T) {
	t.Setenv("SAML10FLASH_PROBE", "")
	if got := ProbeSelector(""); got != "" {
		t.Fatalf("ProbeSelector = %q, want empty", got)
	}
}

func TestJSONLogs_FlagAlwaysWins(t *testing.T) {
	t.Setenv("SAML10FLASH_JSON", "false")
	if !JSONLogs(true) {
		t.Fatal("JSONLogs(true) should be true regardless of env")
	}
}

func TestJSONLogs_FallsBackToEnv(t *testing.T) {
	t.Setenv("SAML10FLASH_JSON", "true")
	if !JSONLogs(false) {
		t.Fatal("JSONLogs(false) should read SAML10FLASH_JSON=true")
	}
}

func TestLoadEnvFile_DoesNotOverwriteExistingEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("SAML10FLASH_PROBE=from-file\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("SAML10FLASH_PROBE", "from-env")

	LoadEnvFile(path)

	if got := os.Getenv("SAML10FLASH_PROBE"); got != "from-env" {
		t.Fatalf("SAML10FLASH_PROBE = %q, want from-env (unchanged)", got)
	}
}

func TestLoadEnvFile_SetsUnsetVariable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("SAML10FLASH_COLLECTOR=\"http://localhost:4318\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("SAML10FLASH_COLLECTOR", "")
	os.Unsetenv("SAML10FLASH_COLLECTOR")

	LoadEnvFile(path)

	if got := os.Getenv("SAML10FLASH_COLLECTOR"); got != "http://localhost:4318" {
		t.Fatalf("SAML10FLASH_COLLECTOR = %q, want http://localhost:4318", got)
	}
}

func TestLoadEnvFile_MissingFileIsNotAnError(t *testing.T) {
	LoadEnvFile(filepath.Join(t.TempDir(), "does-not-exist.env"))
}
