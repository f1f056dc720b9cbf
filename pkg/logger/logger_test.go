package logger

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Levels(t *testing.T) {
	l, err := New("debug")
	if err != nil {
		t.Fatalf("New(debug) error: %v", err)
	}
	if !l.Core().Enabled(zap.DebugLevel) {
		t.Error("debug level should be enabled")
	}

	l, err = New("warn")
	if err != nil {
		t.Fatalf("New(warn) error: %v", err)
	}
	if l.Core().Enabled(zap.InfoLevel) {
		t.Error("info should be disabled at warn level")
	}

	if _, err := New("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestContextLogger_AddsContextFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithValue(context.Background(), UserIDKey, "u1")
	ctx = WithValue(ctx, RoomIDKey, "r1")
	ctx = WithValue(ctx, TraceIDKey, "")
	cl.LogError(ctx, errors.New("boom"), "join failed")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Message != "join failed" {
		t.Errorf("message = %q", entries[0].Message)
	}
	fields := entries[0].ContextMap()
	if fields["user_id"] != "u1" || fields["room_id"] != "r1" {
		t.Errorf("context fields missing: %v", fields)
	}
	if _, ok := fields["trace_id"]; ok {
		t.Error("empty trace id should not be logged")
	}
	if fields["error"] != "boom" {
		t.Errorf("error field = %v", fields["error"])
	}
}

func TestContextLogger_RequestLevels(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cl := NewContextLogger(zap.New(core))
	ctx := WithValue(context.Background(), RequestIDKey, "req-1")

	cl.LogRequest(ctx, "GET", "/api/v1/rooms/:id", 200, 3)
	cl.LogRequest(ctx, "POST", "/api/v1/rooms", 403, 5)
	cl.LogRequest(ctx, "POST", "/api/v1/rooms", 500, 9)

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	want := []zapcore.Level{zap.InfoLevel, zap.WarnLevel, zap.ErrorLevel}
	for i, e := range entries {
		if e.Level != want[i] {
			t.Errorf("entry %d level = %s, want %s", i, e.Level, want[i])
		}
	}
	if entries[0].ContextMap()["route"] != "/api/v1/rooms/:id" || entries[0].ContextMap()["request_id"] != "req-1" {
		t.Errorf("fields = %v", entries[0].ContextMap())
	}
}

func TestContextLogger_NoFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)
	cl := NewContextLogger(base)

	if cl.WithContext(context.Background()) != base {
		t.Error("empty context should return the base logger")
	}
	cl.Sugar(context.Background()).Infow("hello", "k", "v")
	if logs.Len() != 1 {
		t.Errorf("logs = %d, want 1", logs.Len())
	}
}
