package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, key := range []string{
		"REDIS_HOST", "REDIS_PORT", "REDIS_QUEUE_TO_SECRETARY", "MAX_RETRIES",
		"HTTP_CLIENT_TIMEOUT", "HISTORY_LIMIT", "SUMMARY_THRESHOLD",
		"MESSAGES_TO_KEEP_TAIL", "MODEL_STEP_TIMEOUT",
	} {
		t.Setenv(key, "")
	}

	s := FromEnv()

	if s.Redis.Addr() != "localhost:6379" {
		t.Errorf("Redis.Addr() = %q, want localhost:6379", s.Redis.Addr())
	}
	if s.Queues.ToSecretary != "queue:to_secretary" {
		t.Errorf("ToSecretary = %q", s.Queues.ToSecretary)
	}
	if s.Queues.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", s.Queues.MaxRetries)
	}
	if s.Services.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %v, want 30s", s.Services.RequestTimeout)
	}
	if s.Agent.HistoryLimit != 50 {
		t.Errorf("HistoryLimit = %d, want 50", s.Agent.HistoryLimit)
	}
	if s.Agent.SummaryThreshold != 0.6 {
		t.Errorf("SummaryThreshold = %v, want 0.6", s.Agent.SummaryThreshold)
	}
	if s.Agent.KeepTail != 5 {
		t.Errorf("KeepTail = %d, want 5", s.Agent.KeepTail)
	}
	if s.LLM.StepTimeout != 60*time.Second {
		t.Errorf("StepTimeout = %v, want 60s", s.LLM.StepTimeout)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("HTTP_CLIENT_TIMEOUT", "10")
	t.Setenv("SUMMARY_THRESHOLD", "0.8")

	s := FromEnv()
	if s.Redis.Addr() != "redis.internal:6380" {
		t.Errorf("Redis.Addr() = %q", s.Redis.Addr())
	}
	if s.Queues.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", s.Queues.MaxRetries)
	}
	if s.Services.RequestTimeout != 10*time.Second {
		t.Errorf("RequestTimeout = %v, want 10s", s.Services.RequestTimeout)
	}
	if s.Agent.SummaryThreshold != 0.8 {
		t.Errorf("SummaryThreshold = %v, want 0.8", s.Agent.SummaryThreshold)
	}
}

func TestFromEnv_RetryWindowFloor(t *testing.T) {
	t.Setenv("RETRY_WINDOW", "5m")
	s := FromEnv()
	if s.Queues.RetryWindow != time.Hour {
		t.Errorf("RetryWindow = %v, want floor of 1h", s.Queues.RetryWindow)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{"complete", func(s *Settings) {}, false},
		{"missing rest url", func(s *Settings) { s.Services.RESTBaseURL = "" }, true},
		{"missing rag url", func(s *Settings) { s.Services.RAGBaseURL = "" }, true},
		{"missing openai key", func(s *Settings) { s.LLM.OpenAIKey = "" }, true},
		{"unknown provider", func(s *Settings) { s.LLM.Provider = "homebrew" }, true},
		{"anthropic provider with key", func(s *Settings) {
			s.LLM.Provider = "anthropic"
			s.LLM.AnthropicKey = "sk-ant-test"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := FromEnv()
			s.Services.RESTBaseURL = "http://rest:8000"
			s.Services.RAGBaseURL = "http://rag:8001"
			s.LLM.OpenAIKey = "sk-test"
			tt.mutate(s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFile_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secretariat.yaml")
	content := `log_level: debug
summary_threshold: 0.75
keep_tail: 8
summary_prompt: "custom {current_summary} {json}"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	ov, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	s := FromEnv()
	ov.Apply(s)
	if s.Obs.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", s.Obs.LogLevel)
	}
	if s.Agent.SummaryThreshold != 0.75 {
		t.Errorf("SummaryThreshold = %v, want 0.75", s.Agent.SummaryThreshold)
	}
	if s.Agent.KeepTail != 8 {
		t.Errorf("KeepTail = %d, want 8", s.Agent.KeepTail)
	}
	if s.Agent.SummaryPrompt != "custom {current_summary} {json}" {
		t.Errorf("SummaryPrompt = %q", s.Agent.SummaryPrompt)
	}
}

func TestLoadFile_JSON5(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secretariat.json5")
	content := `{
  // tuning for the staging cluster
  log_level: "warn",
  history_limit: 30,
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	ov, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	s := FromEnv()
	ov.Apply(s)
	if s.Obs.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", s.Obs.LogLevel)
	}
	if s.Agent.HistoryLimit != 30 {
		t.Errorf("HistoryLimit = %d, want 30", s.Agent.HistoryLimit)
	}
}

func TestLoadFile_UnknownYAMLKeyRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("rest_base_url: http://evil\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("expected error for connection-shaping key in config file")
	}
}

func TestFileOverrides_ApplyNil(t *testing.T) {
	s := FromEnv()
	before := s.Agent.SummaryThreshold
	var ov *FileOverrides
	ov.Apply(s)
	if s.Agent.SummaryThreshold != before {
		t.Error("nil overrides must not change settings")
	}
}
