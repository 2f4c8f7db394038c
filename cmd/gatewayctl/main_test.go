package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type seenRequest struct {
	method string
	path   string
	auth   string
	body   map[string]any
}

func adminStub(t *testing.T, status int) (*httptest.Server, *[]seenRequest) {
	t.Helper()
	var seen []seenRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := seenRequest{method: r.Method, path: r.URL.EscapedPath(), auth: r.Header.Get("Authorization")}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req.body); err != nil {
				t.Errorf("decode: %v", err)
			}
		}
		seen = append(seen, req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestRunSendsExpectedRequests(t *testing.T) {
	srv, seen := adminStub(t, http.StatusOK)

	cases := []struct {
		args   []string
		method string
		path   string
	}{
		{args: []string{"peers"}, method: http.MethodGet, path: "/v1/peers"},
		{args: []string{"topics"}, method: http.MethodGet, path: "/v1/amop/topics"},
		{args: []string{"register-front", "-group", "g1", "-node", "aa", "-url", "http://x/y"}, method: http.MethodPost, path: "/v1/groups/g1/fronts"},
		{args: []string{"unregister-front", "-group", "g1", "-node", "aa"}, method: http.MethodDelete, path: "/v1/groups/g1/fronts/aa"},
		{args: []string{"send", "-group", "g1", "-src", "aa", "-dst", "bb", "-payload", "hi"}, method: http.MethodPost, path: "/v1/groups/g1/send"},
		{args: []string{"subscribe", "-id", "c1", "-topics", "a, b"}, method: http.MethodPost, path: "/v1/amop/clients/c1/topics"},
		{args: []string{"unsubscribe", "-id", "c1", "-topic", "a b"}, method: http.MethodDelete, path: "/v1/amop/clients/c1/topics/a%20b"},
		{args: []string{"topic-broadcast", "-topic", "t", "-data", "x"}, method: http.MethodPost, path: "/v1/amop/topics/t/broadcast"},
	}
	for i, tc := range cases {
		var out bytes.Buffer
		args := append([]string{"-addr", srv.URL, "-token", "tok"}, tc.args...)
		if err := run(context.Background(), args, &out); err != nil {
			t.Fatalf("%v: %v", tc.args, err)
		}
		got := (*seen)[i]
		if got.method != tc.method || got.path != tc.path {
			t.Fatalf("%v: got %s %s", tc.args, got.method, got.path)
		}
		if got.auth != "Bearer tok" {
			t.Fatalf("%v: missing bearer token, got %q", tc.args, got.auth)
		}
		if !strings.Contains(out.String(), `"status": "ok"`) {
			t.Fatalf("%v: expected pretty output, got %q", tc.args, out.String())
		}
	}

	subscribe := (*seen)[5].body
	topics, _ := subscribe["topics"].([]any)
	if len(topics) != 2 || topics[0] != "a" || topics[1] != "b" {
		t.Fatalf("unexpected topics body: %#v", subscribe)
	}
	send := (*seen)[4].body
	if send["payload"] != "aGk=" {
		t.Fatalf("payload should be base64, got %#v", send["payload"])
	}
}

func TestRunReportsHTTPErrors(t *testing.T) {
	srv, _ := adminStub(t, http.StatusBadGateway)

	err := run(context.Background(), []string{"-addr", srv.URL, "send", "-group", "g", "-src", "aa", "-dst", "bb"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestRunValidatesUsage(t *testing.T) {
	for _, args := range [][]string{
		{},
		{"bogus"},
		{"send", "-group", "g1"},
		{"register-client"},
	} {
		if err := run(context.Background(), args, &bytes.Buffer{}); !errors.Is(err, errUsage) {
			t.Fatalf("%v: expected errUsage, got %v", args, err)
		}
	}
}

func TestBaseURL(t *testing.T) {
	if got := baseURL("127.0.0.1:8545"); got != "http://127.0.0.1:8545" {
		t.Fatalf("unexpected base %q", got)
	}
	if got := baseURL("https://gw.example/"); got != "https://gw.example" {
		t.Fatalf("unexpected base %q", got)
	}
}
