package config_test

import (
	"strings"
	"testing"

	"github.com/theramjad/hyperwhisper-cloud/internal/config"
)

func TestValidate_MissingRedisAddr(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  stt:
    entries:
      - name: deepgram
        api_key: dg-test
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing redis.addr, got nil")
	}
	if !strings.Contains(err.Error(), "redis.addr") {
		t.Errorf("error should mention redis.addr, got: %v", err)
	}
}

func TestValidate_NoSTTEntries(t *testing.T) {
	t.Parallel()
	yaml := `
redis:
  addr: "localhost:6379"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for empty stt entries, got nil")
	}
	if !strings.Contains(err.Error(), "at least one provider") {
		t.Errorf("error should mention missing providers, got: %v", err)
	}
}

func TestValidate_MissingAPIKey(t *testing.T) {
	t.Parallel()
	yaml := `
redis:
  addr: "localhost:6379"
providers:
  stt:
    entries:
      - name: deepgram
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing api_key, got nil")
	}
	if !strings.Contains(err.Error(), "api_key") {
		t.Errorf("error should mention api_key, got: %v", err)
	}
}

func TestValidate_DuplicateProviderNames(t *testing.T) {
	t.Parallel()
	yaml := `
redis:
  addr: "localhost:6379"
providers:
  stt:
    entries:
      - name: deepgram
        api_key: dg-one
      - name: deepgram
        api_key: dg-two
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for duplicate provider names, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
}

func TestValidate_DefaultNotAmongEntries(t *testing.T) {
	t.Parallel()
	yaml := `
redis:
  addr: "localhost:6379"
providers:
  stt:
    default: elevenlabs
    entries:
      - name: deepgram
        api_key: dg-test
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for default not among entries, got nil")
	}
	if !strings.Contains(err.Error(), "not among the configured entries") {
		t.Errorf("error should mention configured entries, got: %v", err)
	}
}

func TestValidate_FallbackNotAmongEntries(t *testing.T) {
	t.Parallel()
	yaml := `
redis:
  addr: "localhost:6379"
providers:
  stt:
    fallback: openai
    entries:
      - name: deepgram
        api_key: dg-test
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for fallback not among entries, got nil")
	}
	if !strings.Contains(err.Error(), "fallback") {
		t.Errorf("error should mention fallback, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
redis:
  addr: "localhost:6379"
providers:
  stt:
    entries:
      - name: deepgram
        api_key: dg-test
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_StorageRegionRequiredWithBucket(t *testing.T) {
	t.Parallel()
	yaml := `
redis:
  addr: "localhost:6379"
storage:
  bucket: hw-staging
providers:
  stt:
    entries:
      - name: deepgram
        api_key: dg-test
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for bucket without region, got nil")
	}
	if !strings.Contains(err.Error(), "storage.region") {
		t.Errorf("error should mention storage.region, got: %v", err)
	}
}

func TestValidate_PartialStorageCredentials(t *testing.T) {
	t.Parallel()
	yaml := `
redis:
  addr: "localhost:6379"
storage:
  bucket: hw-staging
  region: auto
  access_key_id: AKIATEST
providers:
  stt:
    entries:
      - name: deepgram
        api_key: dg-test
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for access key without secret, got nil")
	}
	if !strings.Contains(err.Error(), "must be set together") {
		t.Errorf("error should mention credential pairing, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
providers:
  stt:
    entries:
      - name: deepgram
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{"log_level", "redis.addr", "api_key"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	sttNames := config.ValidProviderNames["stt"]
	if len(sttNames) == 0 {
		t.Fatal("ValidProviderNames[\"stt\"] should not be empty")
	}
	found := false
	for _, n := range sttNames {
		if n == "deepgram" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames[\"stt\"] should contain \"deepgram\"")
	}
}
