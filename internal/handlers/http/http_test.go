package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fullctl/fullctl-sub000/internal/domain"
	"github.com/fullctl/fullctl-sub000/internal/tasks"
)

func kwargs(t *testing.T, kw map[string]any) domain.Param {
	t.Helper()
	p, err := domain.NewParam(nil, kw)
	if err != nil {
		t.Fatalf("NewParam() err=%v", err)
	}
	return p
}

func TestHandle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		w.Write([]byte(r.Header.Get("X-Token") + ":" + string(body)))
	}))
	defer srv.Close()

	ctx := context.Background()
	res, err := HTTP{}.Handle(ctx, kwargs(t, map[string]any{
		"url":     srv.URL + "/ok",
		"method":  "POST",
		"headers": map[string]string{"X-Token": "abc"},
		"body":    "payload",
	}))
	if err != nil {
		t.Fatalf("Handle() err=%v", err)
	}
	resp := res.(Response)
	if resp.StatusCode != http.StatusOK || resp.Body != "abc:payload" || resp.Headers["X-Method"] != "POST" {
		t.Fatalf("Handle()=%+v", resp)
	}

	if _, err := (HTTP{}).Handle(ctx, domain.MustParam(srv.URL+"/fail")); err == nil || !strings.Contains(err.Error(), "HTTP 502") {
		t.Fatalf("Handle(/fail) err=%v, want HTTP 502 error", err)
	}
	if _, err := (HTTP{}).Handle(ctx, domain.Param{}); err == nil {
		t.Fatal("Handle() without url succeeded")
	}
}

func TestHostKey(t *testing.T) {
	tests := []struct {
		p    domain.Param
		want string
	}{
		{kwargs(t, map[string]any{"url": "https://example.com:8443/x"}), "example.com:8443"},
		{kwargs(t, map[string]any{"url": 5}), ""},
		{domain.Param{}, ""},
	}
	for _, tt := range tests {
		if got := HostKey(tt.p); got != tt.want {
			t.Errorf("HostKey()=%q, want %q", got, tt.want)
		}
	}
}

func TestRegister_LimitPerHost(t *testing.T) {
	reg := tasks.NewRegistry()
	if err := Register(reg, 2); err != nil {
		t.Fatalf("Register() err=%v", err)
	}
	op, ok := reg.Lookup("http")
	if !ok || op.Limit != 2 || op.LimitKey == nil {
		t.Fatalf("Lookup(http)=%+v,%v", op, ok)
	}
	if err := Register(reg, 2); err == nil {
		t.Fatal("second Register() succeeded")
	}
}
