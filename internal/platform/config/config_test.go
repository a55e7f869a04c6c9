package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv_fallback(t *testing.T) {
	t.Setenv("CHUNKCAST_TEST_STR", "")
	if got := GetEnv("CHUNKCAST_TEST_STR", "dflt"); got != "dflt" {
		t.Errorf("expected fallback, got %q", got)
	}
	t.Setenv("CHUNKCAST_TEST_STR", "set")
	if got := GetEnv("CHUNKCAST_TEST_STR", "dflt"); got != "set" {
		t.Errorf("expected env value, got %q", got)
	}
}

func TestGetEnvInt_invalid(t *testing.T) {
	t.Setenv("CHUNKCAST_TEST_INT", "abc")
	if got := GetEnvInt("CHUNKCAST_TEST_INT", 7); got != 7 {
		t.Errorf("expected fallback 7, got %d", got)
	}
	t.Setenv("CHUNKCAST_TEST_INT", "42")
	if got := GetEnvInt("CHUNKCAST_TEST_INT", 7); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
}

func TestGetEnvInt64(t *testing.T) {
	t.Setenv("CHUNKCAST_TEST_INT64", "10737418240")
	if got := GetEnvInt64("CHUNKCAST_TEST_INT64", 1); got != 10737418240 {
		t.Errorf("expected 10737418240, got %d", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("CHUNKCAST_TEST_DUR", "250ms")
	if got := GetEnvDuration("CHUNKCAST_TEST_DUR", time.Second); got != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", got)
	}

	t.Run("non_positive_falls_back", func(t *testing.T) {
		t.Setenv("CHUNKCAST_TEST_DUR", "-1s")
		if got := GetEnvDuration("CHUNKCAST_TEST_DUR", time.Second); got != time.Second {
			t.Errorf("expected fallback 1s, got %v", got)
		}
	})

	t.Run("garbage_falls_back", func(t *testing.T) {
		t.Setenv("CHUNKCAST_TEST_DUR", "soon")
		if got := GetEnvDuration("CHUNKCAST_TEST_DUR", time.Second); got != time.Second {
			t.Errorf("expected fallback 1s, got %v", got)
		}
	})
}

func TestLoad_from_file(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("CHUNKCAST_TEST_LOADED=yes\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHUNKCAST_TEST_LOADED", "")
	os.Unsetenv("CHUNKCAST_TEST_LOADED")

	if err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := os.Getenv("CHUNKCAST_TEST_LOADED"); got != "yes" {
		t.Errorf("expected value from file, got %q", got)
	}
}

func TestLoad_missing_file(t *testing.T) {
	if err := Load(filepath.Join(t.TempDir(), "nope.env")); err == nil {
		t.Error("expected error for missing file")
	}
}
