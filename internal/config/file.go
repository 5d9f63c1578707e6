package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// FileOverrides is the subset of settings a config file may override. Only
// prompt templates and tuning knobs are file-configurable; connection shaping
// stays in the environment so a reload can never re-point a running service.
type FileOverrides struct {
	LogLevel              string   `yaml:"log_level" json:"log_level"`
	SummaryPrompt         string   `yaml:"summary_prompt" json:"summary_prompt"`
	ExtractionPrompt      string   `yaml:"extraction_prompt" json:"extraction_prompt"`
	HistoryLimit          *int     `yaml:"history_limit" json:"history_limit"`
	SummaryThreshold      *float64 `yaml:"summary_threshold" json:"summary_threshold"`
	KeepTail              *int     `yaml:"keep_tail" json:"keep_tail"`
	MemorySearchLimit     *int     `yaml:"memory_search_limit" json:"memory_search_limit"`
	MemorySearchThreshold *float64 `yaml:"memory_search_threshold" json:"memory_search_threshold"`
}

// LoadFile reads a YAML or JSON5 overrides file, chosen by extension.
// Environment references like ${HOME} are expanded before parsing.
func LoadFile(path string) (*FileOverrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	expanded := []byte(os.ExpandEnv(string(data)))

	var ov FileOverrides
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(expanded, &ov); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	default:
		decoder := yaml.NewDecoder(bytes.NewReader(expanded))
		decoder.KnownFields(true)
		if err := decoder.Decode(&ov); err != nil {
			if err == io.EOF {
				return &ov, nil
			}
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		if err := decoder.Decode(&struct{}{}); err != io.EOF {
			return nil, fmt.Errorf("parse config file: expected single document")
		}
	}
	return &ov, nil
}

// Apply folds the overrides into live settings. Zero values and nil pointers
// leave the existing value untouched.
func (o *FileOverrides) Apply(s *Settings) {
	if o == nil {
		return
	}
	if o.LogLevel != "" {
		s.Obs.LogLevel = o.LogLevel
	}
	if o.SummaryPrompt != "" {
		s.Agent.SummaryPrompt = o.SummaryPrompt
	}
	if o.ExtractionPrompt != "" {
		s.Extractor.ExtractionPrompt = o.ExtractionPrompt
	}
	if o.HistoryLimit != nil {
		s.Agent.HistoryLimit = *o.HistoryLimit
	}
	if o.SummaryThreshold != nil {
		s.Agent.SummaryThreshold = *o.SummaryThreshold
	}
	if o.KeepTail != nil {
		s.Agent.KeepTail = *o.KeepTail
	}
	if o.MemorySearchLimit != nil {
		s.Agent.MemorySearchLimit = *o.MemorySearchLimit
	}
	if o.MemorySearchThreshold != nil {
		s.Agent.MemorySearchThreshold = *o.MemorySearchThreshold
	}
	s.normalize()
}
