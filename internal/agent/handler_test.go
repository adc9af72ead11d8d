package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPHandler_Success(t *testing.T) {
	var got httpRequestBody
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"output":{"status":"ok","rows":3}}`))
	}))
	defer srv.Close()

	h := NewHTTPHandler(srv.URL, "handler-token")
	out, err := h.Run(context.Background(), Request{
		TenantID:  "T1",
		TaskID:    "task-1",
		AgentType: VATReporter,
		Payload:   map[string]any{"period": "2024-03"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out["status"] != "ok" {
		t.Fatalf("unexpected output %#v", out)
	}
	if got.TenantID != "T1" || got.TaskID != "task-1" || got.AgentType != "vat_reporter" || got.Payload["period"] != "2024-03" {
		t.Fatalf("unexpected request body %#v", got)
	}
	if auth != "Bearer handler-token" {
		t.Fatalf("expected bearer token, got %q", auth)
	}
}

func TestHTTPHandler_Non2xxIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broke", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPHandler(srv.URL, "").Run(context.Background(), Request{TaskID: "t", AgentType: Guardian})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusBadGateway || se.Body != "upstream broke" {
		t.Fatalf("unexpected status error %+v", se)
	}
}

func TestHTTPHandler_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewHTTPHandler(srv.URL, "").Run(ctx, Request{TaskID: "t", AgentType: Guardian})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestHTTPHandler_EmptyBodyYieldsEmptyOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	out, err := NewHTTPHandler(srv.URL, "").Run(context.Background(), Request{TaskID: "t", AgentType: Bookkeeper})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out == nil || len(out) != 0 {
		t.Fatalf("expected empty output map, got %#v", out)
	}
}

func TestTable_Lookup(t *testing.T) {
	table := Table{
		Guardian: HandlerFunc(func(context.Context, Request) (map[string]any, error) { return nil, nil }),
		Bookkeeper: nil,
	}
	if _, ok := table.Lookup(Guardian); !ok {
		t.Fatal("expected guardian handler")
	}
	if _, ok := table.Lookup(Bookkeeper); ok {
		t.Fatal("expected nil entry to be treated as missing")
	}
	if _, ok := table.Lookup(VATReporter); ok {
		t.Fatal("expected vat_reporter to be missing")
	}
}
