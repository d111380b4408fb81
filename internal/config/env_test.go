package config

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestGetEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("GATEWAY_TEST_UNSET", "")
	if v := GetEnv("GATEWAY_TEST_UNSET", "fallback"); v != "fallback" {
		t.Fatalf("expected fallback, got %q", v)
	}
	t.Setenv("GATEWAY_TEST_SET", "value")
	if v := GetEnv("GATEWAY_TEST_SET", "fallback"); v != "value" {
		t.Fatalf("expected env value, got %q", v)
	}
}

func TestGetEnvIntParsesOrFallsBack(t *testing.T) {
	t.Setenv("GATEWAY_TEST_INT", "42")
	if v := GetEnvInt("GATEWAY_TEST_INT", 7); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
	t.Setenv("GATEWAY_TEST_INT_BAD", "not-a-number")
	if v := GetEnvInt("GATEWAY_TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback for unparseable int, got %d", v)
	}
}

func TestGetEnvBoolParsesOrFallsBack(t *testing.T) {
	t.Setenv("GATEWAY_TEST_BOOL", "true")
	if v := GetEnvBool("GATEWAY_TEST_BOOL", false); !v {
		t.Fatalf("expected true")
	}
	t.Setenv("GATEWAY_TEST_BOOL_BAD", "maybe")
	if v := GetEnvBool("GATEWAY_TEST_BOOL_BAD", true); !v {
		t.Fatalf("expected fallback for unparseable bool")
	}
}

func TestGetLogLevelMapsKnownValuesAndDefaultsToInfo(t *testing.T) {
	cases := map[string]logrus.Level{
		"debug": logrus.DebugLevel,
		"warn":  logrus.WarnLevel,
		"error": logrus.ErrorLevel,
		"":      logrus.InfoLevel,
		"bogus": logrus.InfoLevel,
	}
	for raw, want := range cases {
		t.Setenv("LOG_LEVEL", raw)
		if got := GetLogLevel(); got != want {
			t.Fatalf("LOG_LEVEL=%q: expected %v, got %v", raw, want, got)
		}
	}
}

func TestLoadEnvIsNoOpWithoutFilesPresent(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(cwd)

	LoadEnv(nil)
}
