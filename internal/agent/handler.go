package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Request is what a handler receives for one task execution.
type Request struct {
	TenantID  string
	TaskID    string
	AgentType Type
	Payload   map[string]any
}

// Handler runs one task to completion. A returned error is an execution
// failure; the executor classifies it and applies the retry policy.
type Handler interface {
	Run(ctx context.Context, req Request) (map[string]any, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (map[string]any, error)

func (f HandlerFunc) Run(ctx context.Context, req Request) (map[string]any, error) {
	return f(ctx, req)
}

// Table maps each agent type to its handler.
type Table map[Type]Handler

func (t Table) Lookup(at Type) (Handler, bool) {
	h, ok := t[at]
	return h, ok && h != nil
}

// StatusError is returned when a downstream handler answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("agent handler returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("agent handler returned HTTP %d: %s", e.StatusCode, e.Body)
}

const maxErrorBody = 512

// HTTPHandler posts the task to a remote agent service.
type HTTPHandler struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

func NewHTTPHandler(endpoint, token string) *HTTPHandler {
	return &HTTPHandler{
		Endpoint: endpoint,
		Token:    token,
		// Deadlines come from the caller's context.
		Client: &http.Client{Transport: http.DefaultTransport},
	}
}

type httpRequestBody struct {
	TenantID  string         `json:"tenant_id"`
	TaskID    string         `json:"task_id"`
	AgentType string         `json:"agent_type"`
	Payload   map[string]any `json:"payload"`
}

type httpResponseBody struct {
	Output map[string]any `json:"output"`
}

func (h *HTTPHandler) Run(ctx context.Context, req Request) (map[string]any, error) {
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(httpRequestBody{
		TenantID:  req.TenantID,
		TaskID:    req.TaskID,
		AgentType: string(req.AgentType),
		Payload:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode handler request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build handler request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Task-ID", req.TaskID)
	if h.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.Token)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call %s handler: %w", req.AgentType, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var out httpResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode %s handler response after %s: %w", req.AgentType, time.Since(start).Round(time.Millisecond), err)
	}
	if out.Output == nil {
		out.Output = map[string]any{}
	}
	return out.Output, nil
}
