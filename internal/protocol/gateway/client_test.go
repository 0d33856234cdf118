package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"adcaster/internal/protocol"
	"adcaster/pkg/logx"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, APIKey: "k", Timeout: 2 * time.Second}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func writeErr(w http.ResponseWriter, status int, code string, retry int) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": code, "message": code, "retry_after": retry}})
}

func TestDialAndHandshake(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch r.Method + " " + r.URL.Path {
		case "POST /v1/sessions":
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "s1"})
		case "POST /v1/sessions/s1/code":
			_ = json.NewEncoder(w).Encode(map[string]string{"challenge": "h1"})
		case "POST /v1/sessions/s1/sign-in":
			var in map[string]string
			_ = json.NewDecoder(r.Body).Decode(&in)
			if in["code"] != "12345" {
				writeErr(w, 400, "PHONE_CODE_INVALID", 0)
				return
			}
			writeErr(w, 401, "SESSION_PASSWORD_NEEDED", 0)
		case "GET /v1/sessions/s1/dialogs":
			_ = json.NewEncoder(w).Encode(map[string]any{"dialogs": []map[string]any{
				{"id": -100, "title": "G", "kind": "Group"},
				{"id": 5, "title": "U", "kind": "user"},
			}})
		case "GET /v1/sessions/s1/export":
			_ = json.NewEncoder(w).Encode(map[string]string{"session": "c2VjcmV0"})
		case "DELETE /v1/sessions/s1":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()
	s, err := c.Dial(ctx, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ch, err := s.RequestCode(ctx, "+15551234567")
	if err != nil || ch != "h1" {
		t.Fatalf("request code: %q %v", ch, err)
	}
	if err := s.SignIn(ctx, "+15551234567", ch, "00000"); !errors.Is(err, protocol.ErrInvalidCode) {
		t.Fatalf("wrong code: %v", err)
	}
	if err := s.SignIn(ctx, "+15551234567", ch, "12345"); !errors.Is(err, protocol.ErrPasswordRequired) {
		t.Fatalf("2fa: %v", err)
	}
	dests, err := s.Destinations(ctx)
	if err != nil || len(dests) != 2 || !dests[0].Eligible() || dests[1].Eligible() {
		t.Fatalf("dialogs: %+v %v", dests, err)
	}
	sec, err := s.Export(ctx)
	if err != nil || string(sec) != "secret" {
		t.Fatalf("export: %q %v", sec, err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		code   string
		retry  int
		check  func(error) bool
	}{
		{420, "FLOOD_WAIT", 37, func(err error) bool {
			d, ok := protocol.RateLimitWait(err)
			return ok && d == 37*time.Second
		}},
		{401, "AUTH_KEY_UNREGISTERED", 0, func(err error) bool { return errors.Is(err, protocol.ErrUnauthorized) }},
		{400, "PHONE_NUMBER_BANNED", 0, func(err error) bool {
			var pe *protocol.ProviderError
			return errors.As(err, &pe) && pe.Code == "PHONE_NUMBER_BANNED"
		}},
		{403, "CHAT_WRITE_FORBIDDEN", 0, func(err error) bool { return protocol.Classify(err) == protocol.ClassPermanent }},
		{503, "INTERNAL", 0, func(err error) bool { return protocol.Classify(err) == protocol.ClassTransient }},
	}
	for _, tc := range cases {
		tc := tc
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/v1/sessions" {
				_ = json.NewEncoder(w).Encode(map[string]string{"id": "x"})
				return
			}
			writeErr(w, tc.status, tc.code, tc.retry)
		})
		s, err := c.Dial(context.Background(), []byte("restore"))
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Send(context.Background(), 1, "hi"); !tc.check(err) {
			t.Fatalf("%s: unexpected mapping %v", tc.code, err)
		}
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	c, err := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Dial(context.Background(), nil)
	if protocol.Classify(err) != protocol.ClassTransient {
		t.Fatalf("expected transient, got %v", err)
	}
}
