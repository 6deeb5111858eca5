package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegisterBuiltins(t *testing.T) {
	reg := NewRegistry()
	RegisterBuiltins(reg)

	for _, name := range []string{"echo", "clock", "http_fetch", "word_count", "text_transform"} {
		if !reg.Has(name) {
			t.Errorf("builtin %s not registered", name)
		}
	}
}

func TestEchoTool(t *testing.T) {
	out, err := EchoTool().Execute(context.Background(), map[string]any{"text": "hello"})
	if err != nil {
		t.Fatalf("echo failed: %v", err)
	}
	if out != "hello" {
		t.Errorf("got %q, want %q", out, "hello")
	}
}

func TestWordCountTool(t *testing.T) {
	out, err := WordCountTool().Execute(context.Background(), map[string]any{"text": "one two three\nfour"})
	if err != nil {
		t.Fatalf("word_count failed: %v", err)
	}
	if out != "words=4 lines=2 chars=18" {
		t.Errorf("unexpected counts: %s", out)
	}
}

func TestTextTransformTool(t *testing.T) {
	tool := TextTransformTool()

	cases := []struct {
		op   string
		in   string
		want string
	}{
		{"upper", "abc", "ABC"},
		{"lower", "AbC", "abc"},
		{"trim", "  x  ", "x"},
		{"reverse", "abc", "cba"},
		{"title", "hello world", "Hello World"},
	}
	for _, tc := range cases {
		out, err := tool.Execute(context.Background(), map[string]any{"text": tc.in, "op": tc.op})
		if err != nil {
			t.Fatalf("op %s failed: %v", tc.op, err)
		}
		if out != tc.want {
			t.Errorf("op %s: got %q, want %q", tc.op, out, tc.want)
		}
	}

	if _, err := tool.Execute(context.Background(), map[string]any{"text": "x", "op": "explode"}); err == nil {
		t.Error("unknown op should fail")
	}
}

func TestHTTPFetchTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("page body"))
	}))
	defer srv.Close()

	tool := HTTPFetchTool(srv.Client())
	out, err := tool.Execute(context.Background(), map[string]any{"url": srv.URL})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if !strings.Contains(out, "page body") {
		t.Errorf("unexpected body: %s", out)
	}
}

func TestHTTPFetchToolRejectsBadScheme(t *testing.T) {
	tool := HTTPFetchTool(nil)
	if _, err := tool.Execute(context.Background(), map[string]any{"url": "file:///etc/passwd"}); err == nil {
		t.Error("non-http scheme should be rejected")
	}
}

func TestHTTPFetchToolNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	tool := HTTPFetchTool(srv.Client())
	if _, err := tool.Execute(context.Background(), map[string]any{"url": srv.URL}); err == nil {
		t.Error("404 should fail")
	}
}
