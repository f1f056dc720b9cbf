package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	cfg := DefaultConfig()
	cfg.Enabled = true
	tp, err := install(cfg, tracesdk.WithSpanProcessor(sr))
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	t.Cleanup(func() { tp.Shutdown(context.Background()) })
	return sr
}

func attr(attrs []attribute.KeyValue, key attribute.Key) (string, bool) {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value.Emit(), true
		}
	}
	return "", false
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(Config{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown of disabled provider failed: %v", err)
	}
}

func TestTraceWebSocketEvent_IsRootWithUser(t *testing.T) {
	sr := recorder(t)

	parentCtx, parent := StartSpan(context.Background(), "outer")
	ctx, span := TraceWebSocketEvent(parentCtx, "join-room", "user-123")
	RecordError(ctx, errors.New("room is full"))
	span.End()
	parent.End()

	ended := sr.Ended()
	if len(ended) != 2 {
		t.Fatalf("got %d spans, want 2", len(ended))
	}
	ws := ended[0]
	if ws.Name() != "ws join-room" {
		t.Errorf("name = %q", ws.Name())
	}
	if ws.Parent().IsValid() {
		t.Error("event span should be a root span")
	}
	if v, _ := attr(ws.Attributes(), UserIDKey); v != "user-123" {
		t.Errorf("user attribute = %q", v)
	}
	if ws.Status().Code != codes.Error || ws.Status().Description != "room is full" {
		t.Errorf("status = %+v", ws.Status())
	}
}

func TestTraceHTTPRequestAndRoomOperation(t *testing.T) {
	sr := recorder(t)

	ctx, req := TraceHTTPRequest(context.Background(), "POST", "/api/v1/rooms/:id/close")
	_, op := TraceRoomOperation(ctx, "close", "room-456")
	op.End()
	req.End()

	ended := sr.Ended()
	if len(ended) != 2 {
		t.Fatalf("got %d spans, want 2", len(ended))
	}
	if ended[1].Name() != "HTTP POST /api/v1/rooms/:id/close" {
		t.Errorf("name = %q", ended[1].Name())
	}
	if ended[0].Parent().SpanID() != ended[1].SpanContext().SpanID() {
		t.Error("room operation should be a child of the request span")
	}
	if v, _ := attr(ended[0].Attributes(), RoomIDKey); v != "room-456" {
		t.Errorf("room attribute = %q", v)
	}
}

func TestRecordError_NilIsIgnored(t *testing.T) {
	sr := recorder(t)
	ctx, span := StartSpan(context.Background(), "ok")
	RecordError(ctx, nil)
	span.End()

	if got := sr.Ended()[0].Status().Code; got != codes.Unset {
		t.Errorf("status = %v, want unset", got)
	}
}
