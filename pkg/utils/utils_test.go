package utils

import (
	"strings"
	"testing"
	"time"
)

func TestNewRecordID(t *testing.T) {
	id1 := NewRecordID()
	id2 := NewRecordID()

	if id1 == id2 {
		t.Error("expected different IDs")
	}
	if len(id1) != 32 {
		t.Errorf("expected 32 hex chars, got %d (%s)", len(id1), id1)
	}
	if strings.Contains(id1, "-") {
		t.Errorf("expected no dashes, got %s", id1)
	}
}

func TestGenerateID(t *testing.T) {
	id := GenerateID("test")
	if !strings.HasPrefix(id, "test_") {
		t.Errorf("expected prefix 'test_', got %s", id)
	}
	if !strings.HasPrefix(GenerateNodeID(), "node_") {
		t.Error("expected node prefix")
	}
	if !strings.HasPrefix(GenerateRequestID(), "req_") {
		t.Error("expected req prefix")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"milliseconds", 500 * time.Millisecond, "500ms"},
		{"seconds", 1500 * time.Millisecond, "1.50s"},
		{"minutes", 90 * time.Second, "1m30s"},
		{"hours", 90 * time.Minute, "1h30m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatDuration(tt.duration); got != tt.expected {
				t.Errorf("FormatDuration(%v) = %q, want %q", tt.duration, got, tt.expected)
			}
		})
	}
}

func TestUnixMilliToTime(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	if got := UnixMilliToTime(now.UnixMilli()); !got.Equal(now) {
		t.Errorf("UnixMilliToTime = %v, want %v", got, now)
	}
}
