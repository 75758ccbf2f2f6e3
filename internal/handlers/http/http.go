package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fullctl/fullctl-sub000/internal/domain"
	"github.com/fullctl/fullctl-sub000/internal/tasks"
)

const maxBody = 1 << 20

type HTTP struct {
	Client *http.Client
}

// Request is read from the task kwargs.
type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// Register adds the http op. A positive perHost caps pending and running
// requests per target host.
func Register(reg *tasks.Registry, perHost int) error {
	return reg.Register(tasks.Op{
		Name:     "http",
		Handler:  HTTP{},
		Limit:    perHost,
		LimitKey: HostKey,
	})
}

// HostKey buckets http tasks by the host of their url kwarg.
func HostKey(p domain.Param) string {
	var raw string
	if _, err := p.Kwarg("url", &raw); err != nil || raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

func parseRequest(p domain.Param) (Request, error) {
	var req Request
	fields := map[string]any{
		"url":     &req.URL,
		"method":  &req.Method,
		"headers": &req.Headers,
		"body":    &req.Body,
		"timeout": &req.Timeout,
	}
	for name, dst := range fields {
		if _, err := p.Kwarg(name, dst); err != nil {
			return req, err
		}
	}
	if req.URL == "" && len(p.Args) > 0 {
		if err := p.Arg(0, &req.URL); err != nil {
			return req, err
		}
	}
	if req.URL == "" {
		return req, fmt.Errorf("URL is required")
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Timeout <= 0 {
		req.Timeout = 30 // default 30 seconds
	}
	return req, nil
}

func (h HTTP) Handle(ctx context.Context, p domain.Param) (any, error) {
	req, err := parseRequest(p)
	if err != nil {
		return nil, fmt.Errorf("invalid HTTP request: %w", err)
	}

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: time.Duration(req.Timeout) * time.Second}
	}

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	tasks.Logf(ctx, "%s %s", req.Method, req.URL)
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	tasks.Logf(ctx, "HTTP %d, %d bytes", resp.StatusCode, len(respBody))

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return Response{StatusCode: resp.StatusCode, Headers: headers, Body: string(respBody)}, nil
}
