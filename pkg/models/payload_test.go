package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestQueuePayload_Validate(t *testing.T) {
	base := func() QueuePayload {
		return QueuePayload{
			UserID:    42,
			Source:    SourceTelegram,
			Type:      PayloadHuman,
			Timestamp: time.Now().UTC(),
			Content:   PayloadContent{Message: "hi"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*QueuePayload)
		wantErr bool
	}{
		{"valid human message", func(p *QueuePayload) {}, false},
		{"missing user_id", func(p *QueuePayload) { p.UserID = 0 }, true},
		{"unknown source", func(p *QueuePayload) { p.Source = "smoke-signal" }, true},
		{"unknown type", func(p *QueuePayload) { p.Type = "carrier-pigeon" }, true},
		{"tool without tool_name", func(p *QueuePayload) {
			p.Source = SourceCron
			p.Type = PayloadTool
		}, true},
		{"valid trigger", func(p *QueuePayload) {
			p.Source = SourceCron
			p.Type = PayloadTool
			p.Content.Metadata = map[string]any{"tool_name": "reminder_trigger"}
		}, false},
		{"source user", func(p *QueuePayload) { p.Source = SourceUser }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base()
			tt.mutate(&p)
			err := p.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestQueuePayload_IsTrigger(t *testing.T) {
	trigger := QueuePayload{
		UserID: 1,
		Source: SourceCron,
		Type:   PayloadTool,
		Content: PayloadContent{
			Metadata: map[string]any{"tool_name": "reminder_trigger"},
		},
	}
	if !trigger.IsTrigger() {
		t.Error("cron/tool reminder_trigger payload should classify as trigger")
	}

	msg := QueuePayload{UserID: 1, Source: SourceTelegram, Type: PayloadHuman}
	if msg.IsTrigger() {
		t.Error("telegram/human payload should not classify as trigger")
	}

	otherTool := QueuePayload{
		UserID: 1,
		Source: SourceCron,
		Type:   PayloadTool,
		Content: PayloadContent{
			Metadata: map[string]any{"tool_name": "something_else"},
		},
	}
	if otherTool.IsTrigger() {
		t.Error("cron/tool payload with a different tool_name is not a trigger")
	}
}

func TestQueuePayload_MetadataExtraction(t *testing.T) {
	raw := `{
		"user_id": 7,
		"source": "cron",
		"type": "tool",
		"timestamp": "2026-01-02T03:04:05Z",
		"content": {
			"message": "",
			"metadata": {
				"tool_name": "reminder_trigger",
				"assistant_id": "7f3e8a10-0000-4000-8000-000000000001",
				"reminder_id": "7f3e8a10-0000-4000-8000-000000000002",
				"reminder_type": "one_time",
				"payload": {"text": "stand up"}
			}
		}
	}`

	var p QueuePayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if p.ToolName() != "reminder_trigger" {
		t.Errorf("ToolName() = %q, want reminder_trigger", p.ToolName())
	}
	if got := p.MetaString("reminder_type"); got != "one_time" {
		t.Errorf("MetaString(reminder_type) = %q, want one_time", got)
	}
	if got := p.MetaString("absent"); got != "" {
		t.Errorf("MetaString(absent) = %q, want empty", got)
	}
}

func TestTriggerEvent_Text(t *testing.T) {
	ev := &TriggerEvent{Payload: map[string]any{"text": "call mom"}}
	if ev.Text() != "call mom" {
		t.Errorf("Text() = %q, want %q", ev.Text(), "call mom")
	}
	var nilEv *TriggerEvent
	if nilEv.Text() != "" {
		t.Error("nil TriggerEvent should render empty text")
	}
	empty := &TriggerEvent{}
	if empty.Text() != "" {
		t.Error("missing payload text should render empty")
	}
}

func TestClampImportance(t *testing.T) {
	tests := []struct{ in, want int }{
		{-3, 1}, {0, 1}, {1, 1}, {5, 5}, {10, 10}, {99, 10},
	}
	for _, tt := range tests {
		if got := ClampImportance(tt.in); got != tt.want {
			t.Errorf("ClampImportance(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestBatchState_Open(t *testing.T) {
	open := []BatchState{BatchPending, BatchProcessing}
	for _, s := range open {
		if !s.Open() {
			t.Errorf("%s should be open", s)
		}
	}
	closed := []BatchState{BatchCompleted, BatchFailed, BatchExpired, BatchCancelled}
	for _, s := range closed {
		if s.Open() {
			t.Errorf("%s should not be open", s)
		}
	}
}
