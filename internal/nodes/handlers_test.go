package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/crmflow/internal/domain"
	"github.com/shaiso/crmflow/internal/engine"
)

// Trigger Tests

func TestTriggerHandler_EchoesPayload(t *testing.T) {
	inv := &Invocation{Context: engine.NewRunContext(map[string]any{"x": float64(1)})}

	out, err := TriggerHandler{}.Execute(context.Background(), inv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.(map[string]any)["x"] != float64(1) {
		t.Errorf("unexpected output %v", out)
	}
}

// Transform Tests

func TestTransformHandler(t *testing.T) {
	h := NewTransformHandler()

	inv := &Invocation{Config: map[string]any{
		"mappings": map[string]any{
			"name":   "Ada",
			"count":  "42",
			"ratio":  "0.5",
			"flag":   "true",
			"obj":    `{"a":1}`,
			"list":   `[1,2]`,
			"native": float64(3),
		},
	}}

	out, err := h.Execute(context.Background(), inv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := out.(map[string]any)

	if m["name"] != "Ada" {
		t.Errorf("expected name Ada, got %v", m["name"])
	}
	if m["count"] != int64(42) {
		t.Errorf("expected count 42, got %#v", m["count"])
	}
	if m["ratio"] != 0.5 {
		t.Errorf("expected ratio 0.5, got %#v", m["ratio"])
	}
	if m["flag"] != true {
		t.Errorf("expected flag true, got %#v", m["flag"])
	}
	if _, ok := m["obj"].(map[string]any); !ok {
		t.Errorf("expected obj to be parsed, got %#v", m["obj"])
	}
	if _, ok := m["list"].([]any); !ok {
		t.Errorf("expected list to be parsed, got %#v", m["list"])
	}
	if m["native"] != float64(3) {
		t.Errorf("expected native number, got %#v", m["native"])
	}
}

func TestTransformHandler_Empty(t *testing.T) {
	out, err := NewTransformHandler().Execute(context.Background(), &Invocation{Config: map[string]any{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.(map[string]any)) != 0 {
		t.Errorf("expected empty output, got %v", out)
	}

	_, err = NewTransformHandler().Execute(context.Background(), &Invocation{Config: map[string]any{"mappings": "x"}})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestTransformHandler_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewTransformHandler().Execute(ctx, &Invocation{Config: map[string]any{}})
	if !errors.Is(err, ErrNodeCancelled) {
		t.Errorf("expected ErrNodeCancelled, got %v", err)
	}
}

func TestSetVariableAndOutput(t *testing.T) {
	out, err := NewSetVariableHandler().Execute(context.Background(), &Invocation{
		Config: map[string]any{"name": "stage", "value": "qualified"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.(map[string]any)["stage"] != "qualified" {
		t.Errorf("unexpected output %v", out)
	}

	if _, err := NewSetVariableHandler().Execute(context.Background(), &Invocation{Config: map[string]any{}}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}

	out, err = NewOutputHandler().Execute(context.Background(), &Invocation{
		Config: map[string]any{"value": []any{"a"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.([]any)) != 1 {
		t.Errorf("unexpected output %v", out)
	}

	out, _ = NewOutputHandler().Execute(context.Background(), &Invocation{Config: map[string]any{"k": "v"}})
	if out.(map[string]any)["k"] != "v" {
		t.Errorf("expected whole config, got %v", out)
	}
}

// HTTP Tests

func TestHTTPHandler_GET(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.Header.Get("X-Tenant") != "acme" {
			t.Errorf("expected X-Tenant header")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "c-1"})
	}))
	defer server.Close()

	out, err := NewHTTPHandler().Execute(context.Background(), &Invocation{
		Config: map[string]any{
			"url":     server.URL,
			"headers": map[string]any{"X-Tenant": "acme"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m := out.(map[string]any)
	if m["status_code"] != float64(200) {
		t.Errorf("expected status 200, got %v", m["status_code"])
	}
	body := m["body"].(map[string]any)
	if body["id"] != "c-1" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestHTTPHandler_POSTBody(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected json content type, got %s", r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer server.Close()

	out, err := NewHTTPHandler().Execute(context.Background(), &Invocation{
		Config: map[string]any{
			"method": "post",
			"url":    server.URL,
			"body":   map[string]any{"email": "a@b.c"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if received["email"] != "a@b.c" {
		t.Errorf("server did not receive body: %v", received)
	}
	m := out.(map[string]any)
	if m["body"] != "created" || m["status_code"] != float64(201) {
		t.Errorf("unexpected output %v", m)
	}
}

func TestHTTPHandler_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewHTTPHandler().Execute(context.Background(), &Invocation{
		Config: map[string]any{"url": server.URL},
	})
	var nodeErr *NodeExecutionError
	if !errors.As(err, &nodeErr) {
		t.Fatalf("expected NodeExecutionError, got %v", err)
	}
	if !IsHTTPError(err) {
		t.Errorf("expected wrapped HTTPError, got %v", err)
	}

	// fail_on_error = false возвращает ответ как output
	out, err := NewHTTPHandler().Execute(context.Background(), &Invocation{
		Config: map[string]any{"url": server.URL, "fail_on_error": false},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.(map[string]any)["status_code"] != float64(502) {
		t.Errorf("unexpected output %v", out)
	}
}

func TestHTTPHandler_MissingURL(t *testing.T) {
	_, err := NewHTTPHandler().Execute(context.Background(), &Invocation{Config: map[string]any{}})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestHTTPHandler_Cancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewHTTPHandler().Execute(ctx, &Invocation{Config: map[string]any{"url": server.URL}})
	if !errors.Is(err, ErrNodeCancelled) {
		t.Errorf("expected ErrNodeCancelled, got %v", err)
	}
}

// Delay Tests

func TestDelayHandler_Short(t *testing.T) {
	h := NewDelayHandler()
	start := time.Now()

	out, err := h.Execute(context.Background(), &Invocation{
		Config: map[string]any{"duration_ms": 20},
		Run:    &domain.Run{},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("delay returned too early")
	}
	if out.(map[string]any)["suspended"] != false {
		t.Errorf("short delay must not suspend: %v", out)
	}
}

func TestDelayHandler_Suspends(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	h := &DelayHandler{SuspendThreshold: time.Minute, now: func() time.Time { return now }}

	tests := []struct {
		name   string
		config map[string]any
		want   time.Time
	}{
		{"long duration", map[string]any{"duration_sec": 3600}, now.Add(time.Hour)},
		{"wait mode", map[string]any{"duration_sec": 5, "mode": "wait"}, now.Add(5 * time.Second)},
		{"until", map[string]any{"until": "2026-01-02T00:00:00Z"}, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Execute(context.Background(), &Invocation{Config: tt.config, Run: &domain.Run{}})
			s, ok := IsSuspend(err)
			if !ok {
				t.Fatalf("expected SuspendError, got %v", err)
			}
			if !s.ResumeAt.Equal(tt.want) {
				t.Errorf("expected resume at %s, got %s", tt.want, s.ResumeAt)
			}
		})
	}
}

func TestDelayHandler_ResumedAndTestMode(t *testing.T) {
	h := NewDelayHandler()

	out, err := h.Execute(context.Background(), &Invocation{
		Config:  map[string]any{"duration_sec": 3600},
		Run:     &domain.Run{},
		Resumed: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.(map[string]any)["suspended"] != true {
		t.Errorf("resumed delay should report suspension: %v", out)
	}

	// Тестовый запуск не приостанавливается.
	out, err = h.Execute(context.Background(), &Invocation{Config: map[string]any{"duration_sec": 3600}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.(map[string]any)["skipped"] != true {
		t.Errorf("expected skipped delay in test mode: %v", out)
	}
}

func TestDelayHandler_CancelledAndInvalid(t *testing.T) {
	h := NewDelayHandler()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := h.Execute(ctx, &Invocation{Config: map[string]any{"duration_sec": 10}, Run: &domain.Run{}})
	if !errors.Is(err, ErrNodeCancelled) {
		t.Errorf("expected ErrNodeCancelled, got %v", err)
	}

	_, err = h.Execute(context.Background(), &Invocation{Config: map[string]any{}})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

// Script Tests

func TestCodeHandler(t *testing.T) {
	h := NewCodeHandler(time.Second)
	ctx := engine.AddToContext(engine.NewRunContext(map[string]any{"x": float64(2)}), "fetch", map[string]any{
		"items": []any{"a", "b", "c"},
	})

	out, err := h.Execute(context.Background(), &Invocation{
		Config:  map[string]any{"script": "({ total: context.fetch.items.length, doubled: context.trigger.x * 2 })"},
		Context: ctx,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := out.(map[string]any)
	if fmt.Sprint(m["total"]) != "3" {
		t.Errorf("expected total 3, got %#v", m["total"])
	}
	if fmt.Sprint(m["doubled"]) != "4" {
		t.Errorf("expected doubled 4, got %#v", m["doubled"])
	}
}

func TestCodeHandler_Errors(t *testing.T) {
	h := NewCodeHandler(50 * time.Millisecond)
	base := engine.NewRunContext(nil)

	tests := []struct {
		name   string
		script string
		check  func(error) bool
	}{
		{"throw", `throw new Error("boom")`, func(err error) bool {
			var nodeErr *NodeExecutionError
			return errors.As(err, &nodeErr)
		}},
		{"timeout", `while (true) {}`, func(err error) bool { return errors.Is(err, ErrScriptTimeout) }},
		{"require blocked", `require("fs")`, func(err error) bool { return err != nil }},
		{"builtins frozen", `"use strict"; Math.PI = 3; 1`, func(err error) bool { return err != nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Execute(context.Background(), &Invocation{
				Config:  map[string]any{"script": tt.script},
				Context: base,
			})
			if !tt.check(err) {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestConditionHandler(t *testing.T) {
	h := NewConditionHandler(time.Second)
	ctx := engine.NewRunContext(map[string]any{"priority": "high"})

	out, err := h.Execute(context.Background(), &Invocation{
		Config:  map[string]any{"expression": `context.trigger.priority === "high"`},
		Context: ctx,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.(map[string]any)["result"] != true {
		t.Errorf("expected true, got %v", out)
	}

	_, err = h.Execute(context.Background(), &Invocation{
		Config:  map[string]any{"expression": `context.trigger.priority === "low"`, "fail_on_false": true},
		Context: ctx,
	})
	var nodeErr *NodeExecutionError
	if !errors.As(err, &nodeErr) {
		t.Errorf("expected NodeExecutionError for false condition, got %v", err)
	}
}

// Emit event Tests

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) PublishEvent(_ context.Context, _ uuid.UUID, eventType string, _ map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	return nil
}

func TestEmitEventHandler(t *testing.T) {
	pub := &recordingPublisher{}
	h := NewEmitEventHandler()

	out, err := h.Execute(context.Background(), &Invocation{
		Config:   map[string]any{"event_type": TypeTicketCreatedTrigger, "payload": map[string]any{"ticket_id": "t1"}},
		Run:      &domain.Run{},
		TenantID: uuid.New(),
		Services: &Services{Events: pub},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.(map[string]any)["published"] != true {
		t.Errorf("expected published, got %v", out)
	}
	if len(pub.events) != 1 || pub.events[0] != TypeTicketCreatedTrigger {
		t.Errorf("unexpected events %v", pub.events)
	}

	// В тестовом режиме событие не публикуется.
	out, err = h.Execute(context.Background(), &Invocation{
		Config:   map[string]any{"event_type": TypeTicketCreatedTrigger},
		Services: &Services{Events: pub},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.(map[string]any)["published"] != false || len(pub.events) != 1 {
		t.Errorf("test mode must not publish: %v", out)
	}
}

func TestAsExecutionError(t *testing.T) {
	plain := errors.New("boom")
	e := AsExecutionError("N1", "code", plain)
	if e.NodeID != "N1" || e.NodeType != "code" || !errors.Is(e, plain) {
		t.Errorf("unexpected wrapping %+v", e)
	}
	if e.Error() != "node N1: boom" {
		t.Errorf("unexpected message %q", e.Error())
	}

	inner := NewExecutionError("bad input", nil)
	e = AsExecutionError("N2", "http_request", inner)
	if e.Message != "bad input" || e.NodeID != "N2" {
		t.Errorf("unexpected conversion %+v", e)
	}
}
