package debug

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"adcaster/pkg/logx"
)

func TestHealthz(t *testing.T) {
	h := Handler("", func(context.Context) any { return map[string]int{"jobs": 3} })
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["jobs"] != 3 {
		t.Fatalf("body = %v", body)
	}
}

func TestTokenRequired(t *testing.T) {
	h := Handler("s3cret", nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz?token=s3cret", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("query token: status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer token: status = %d", rec.Code)
	}
}

func TestCheck(t *testing.T) {
	cases := []struct {
		cfg  Config
		want error
	}{
		{Config{}, nil},
		{Config{Enabled: true}, nil},
		{Config{Enabled: true, Addr: "localhost:7000"}, nil},
		{Config{Enabled: true, Addr: ":6060"}, ErrInsecureBind},
		{Config{Enabled: true, Addr: "0.0.0.0:6060"}, ErrInsecureBind},
		{Config{Enabled: true, Addr: "0.0.0.0:6060", Token: "t"}, nil},
	}
	for _, c := range cases {
		if err := Check(c.cfg); !errors.Is(err, c.want) {
			t.Fatalf("Check(%+v) = %v, want %v", c.cfg, err, c.want)
		}
	}
}

func TestStartStopDisabled(t *testing.T) {
	s := New(Config{}, nil, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	s = New(Config{Enabled: true, Addr: ":6060"}, nil, logx.Nop())
	if err := s.Start(context.Background()); !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("insecure Start = %v", err)
	}
}
