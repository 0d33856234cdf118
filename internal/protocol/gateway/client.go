// Package gateway implements protocol.Dialer over the HTTP API of an MTProto
// bridge sidecar. The bridge owns the wire protocol; this client only maps
// requests and error codes.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"adcaster/internal/protocol"
	"adcaster/pkg/logx"
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type Client struct {
	base   *url.URL
	apiKey string
	http   *http.Client
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("gateway: base url is empty")
	}
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("gateway: parse base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base:   u,
		apiKey: cfg.APIKey,
		http:   &http.Client{Timeout: timeout},
		log:    log.With(logx.String("comp", "gateway")),
	}, nil
}

type apiError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds
}

// mapError turns a bridge error code into the protocol taxonomy.
func mapError(status int, e apiError) error {
	code := strings.ToUpper(e.Code)
	switch {
	case code == "FLOOD_WAIT" || code == "SLOWMODE_WAIT" || status == http.StatusTooManyRequests:
		return &protocol.RateLimitError{Wait: time.Duration(e.RetryAfter) * time.Second}
	case code == "PHONE_CODE_INVALID" || code == "PHONE_CODE_EMPTY":
		return protocol.ErrInvalidCode
	case code == "PHONE_CODE_EXPIRED":
		return protocol.ErrCodeExpired
	case code == "SESSION_PASSWORD_NEEDED":
		return protocol.ErrPasswordRequired
	case code == "PASSWORD_HASH_INVALID":
		return protocol.ErrInvalidPassword
	case code == "AUTH_KEY_UNREGISTERED", code == "SESSION_REVOKED", code == "USER_DEACTIVATED",
		code == "USER_DEACTIVATED_BAN", code == "SESSION_EXPIRED", status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", protocol.ErrUnauthorized, code)
	case strings.HasPrefix(code, "PHONE_NUMBER_"):
		return &protocol.ProviderError{Code: code, Reason: e.Message}
	case code == "CHAT_WRITE_FORBIDDEN", code == "USER_BANNED_IN_CHANNEL", code == "CHANNEL_PRIVATE",
		code == "PEER_ID_INVALID", code == "CHAT_ADMIN_REQUIRED":
		return fmt.Errorf("%w: %s", protocol.ErrPermanent, code)
	case status >= 500 || status == 0:
		return protocol.Transient(fmt.Errorf("gateway: %s (http %d): %s", code, status, e.Message))
	default:
		return fmt.Errorf("%w: %s: %s", protocol.ErrPermanent, code, e.Message)
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return protocol.Transient(fmt.Errorf("gateway: %s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var env struct {
			Error apiError `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&env)
		if env.Error.RetryAfter == 0 {
			if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
				env.Error.RetryAfter = s
			}
		}
		return mapError(resp.StatusCode, env.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return protocol.Transient(fmt.Errorf("gateway: decode %s: %w", path, err))
	}
	return nil
}

// Dial creates a bridge session, restoring secret when given.
func (c *Client) Dial(ctx context.Context, secret []byte) (protocol.Session, error) {
	in := struct {
		Session string `json:"session,omitempty"`
	}{}
	if len(secret) > 0 {
		in.Session = base64.StdEncoding.EncodeToString(secret)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", in, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, protocol.Transient(errors.New("gateway: empty session id"))
	}
	return &session{c: c, path: "/v1/sessions/" + url.PathEscape(out.ID)}, nil
}

type session struct {
	c    *Client
	path string
}

func (s *session) RequestCode(ctx context.Context, phone string) (string, error) {
	var out struct {
		Challenge string `json:"challenge"`
	}
	err := s.c.do(ctx, http.MethodPost, s.path+"/code", map[string]string{"phone": phone}, &out)
	return out.Challenge, err
}

func (s *session) SignIn(ctx context.Context, phone, challenge, code string) error {
	return s.c.do(ctx, http.MethodPost, s.path+"/sign-in", map[string]string{
		"phone": phone, "challenge": challenge, "code": code,
	}, nil)
}

func (s *session) SignInPassword(ctx context.Context, password string) error {
	return s.c.do(ctx, http.MethodPost, s.path+"/password", map[string]string{"password": password}, nil)
}

func (s *session) Authorized(ctx context.Context) (bool, error) {
	var out struct {
		Authorized bool `json:"authorized"`
	}
	err := s.c.do(ctx, http.MethodGet, s.path+"/authorized", nil, &out)
	return out.Authorized, err
}

func (s *session) Destinations(ctx context.Context) ([]protocol.Destination, error) {
	var out struct {
		Dialogs []struct {
			ID    int64  `json:"id"`
			Title string `json:"title"`
			Kind  string `json:"kind"`
		} `json:"dialogs"`
	}
	if err := s.c.do(ctx, http.MethodGet, s.path+"/dialogs", nil, &out); err != nil {
		return nil, err
	}
	dests := make([]protocol.Destination, 0, len(out.Dialogs))
	for _, d := range out.Dialogs {
		dests = append(dests, protocol.Destination{ID: d.ID, Title: d.Title, Kind: protocol.Kind(strings.ToLower(d.Kind))})
	}
	return dests, nil
}

func (s *session) Send(ctx context.Context, destination int64, text string) error {
	return s.c.do(ctx, http.MethodPost, s.path+"/messages", map[string]any{"peer": destination, "text": text}, nil)
}

func (s *session) Export(ctx context.Context) ([]byte, error) {
	var out struct {
		Session string `json:"session"`
	}
	if err := s.c.do(ctx, http.MethodGet, s.path+"/export", nil, &out); err != nil {
		return nil, err
	}
	if out.Session == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(out.Session)
}

func (s *session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.c.do(ctx, http.MethodDelete, s.path, nil, nil)
}
