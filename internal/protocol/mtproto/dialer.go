// Package mtproto implements protocol.Dialer directly on the Telegram MTProto
// API using gotd/td. Each Session owns one client connection whose auth key
// lives in an in-memory session storage; Export returns that storage.
package mtproto

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"

	"adcaster/internal/protocol"
	"adcaster/pkg/logx"
)

type Config struct {
	AppID   int
	AppHash string
	// ConnectTimeout bounds Dial while the connection is established.
	ConnectTimeout time.Duration
}

type Dialer struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Dialer, error) {
	if cfg.AppID <= 0 || strings.TrimSpace(cfg.AppHash) == "" {
		return nil, errors.New("mtproto: app_id and app_hash are required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dialer{cfg: cfg, log: log.With(logx.String("comp", "mtproto"))}, nil
}

// Dial connects and returns once the client is ready for API calls. The
// connection outlives ctx and is released by Close.
func (d *Dialer) Dial(ctx context.Context, secret []byte) (protocol.Session, error) {
	store := new(session.StorageMemory)
	if len(secret) > 0 {
		if err := store.StoreSession(ctx, secret); err != nil {
			return nil, fmt.Errorf("mtproto: restore session: %w", err)
		}
	}
	client := telegram.NewClient(d.cfg.AppID, d.cfg.AppHash, telegram.Options{
		SessionStorage: store,
		NoUpdates:      true,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	s := &conn{
		client: client,
		api:    client.API(),
		store:  store,
		cancel: cancel,
		done:   make(chan struct{}),
		peers:  make(map[int64]tg.InputPeerClass),
		log:    d.log,
	}
	ready := make(chan struct{})
	go func() {
		defer close(s.done)
		s.runErr = client.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return nil
		})
	}()

	timer := time.NewTimer(d.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		return s, nil
	case <-s.done:
		cancel()
		return nil, protocol.Transient(fmt.Errorf("mtproto: connect: %w", s.runErr))
	case <-timer.C:
		cancel()
		<-s.done
		return nil, protocol.Transient(errors.New("mtproto: connect timed out"))
	case <-ctx.Done():
		cancel()
		<-s.done
		return nil, ctx.Err()
	}
}

type conn struct {
	client *telegram.Client
	api    *tg.Client
	store  *session.StorageMemory
	log    logx.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	runErr    error
	closeOnce sync.Once

	// peers maps destination ids to input peers seen by Destinations.
	peers map[int64]tg.InputPeerClass
}

func (s *conn) alive() error {
	select {
	case <-s.done:
		if s.runErr != nil {
			return protocol.Transient(fmt.Errorf("mtproto: connection lost: %w", s.runErr))
		}
		return protocol.Transient(errors.New("mtproto: connection closed"))
	default:
		return nil
	}
}

func (s *conn) RequestCode(ctx context.Context, phone string) (string, error) {
	if err := s.alive(); err != nil {
		return "", err
	}
	sent, err := s.client.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		return "", mapError(err)
	}
	switch v := sent.(type) {
	case *tg.AuthSentCode:
		return v.PhoneCodeHash, nil
	case *tg.AuthSentCodeSuccess:
		// Already authorized by a future auth token; no code will arrive.
		return "", nil
	default:
		return "", fmt.Errorf("%w: unexpected sent code %T", protocol.ErrPermanent, sent)
	}
}

func (s *conn) SignIn(ctx context.Context, phone, challenge, code string) error {
	if err := s.alive(); err != nil {
		return err
	}
	_, err := s.client.Auth().SignIn(ctx, phone, code, challenge)
	return mapError(err)
}

func (s *conn) SignInPassword(ctx context.Context, password string) error {
	if err := s.alive(); err != nil {
		return err
	}
	_, err := s.client.Auth().Password(ctx, password)
	return mapError(err)
}

func (s *conn) Authorized(ctx context.Context) (bool, error) {
	if err := s.alive(); err != nil {
		return false, err
	}
	st, err := s.client.Auth().Status(ctx)
	if err != nil {
		if errors.Is(mapError(err), protocol.ErrUnauthorized) {
			return false, nil
		}
		return false, mapError(err)
	}
	return st.Authorized, nil
}

func (s *conn) Destinations(ctx context.Context) ([]protocol.Destination, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	var (
		out  []protocol.Destination
		seen = make(map[int64]bool)
		req  = &tg.MessagesGetDialogsRequest{OffsetPeer: &tg.InputPeerEmpty{}, Limit: dialogPage}
	)
	for page := 0; page < maxDialogPages; page++ {
		res, err := s.api.MessagesGetDialogs(ctx, req)
		if err != nil {
			return nil, mapError(err)
		}
		p, ok := readDialogs(res)
		if !ok {
			break
		}
		for id, in := range p.peers {
			s.peers[id] = in
		}
		for _, d := range p.dests {
			if !seen[d.ID] {
				seen[d.ID] = true
				out = append(out, d)
			}
		}
		if !p.more || p.next == nil {
			break
		}
		req = p.next
	}
	return out, nil
}

func (s *conn) Send(ctx context.Context, destination int64, text string) error {
	if err := s.alive(); err != nil {
		return err
	}
	peer, ok := s.peers[destination]
	if !ok {
		if _, err := s.Destinations(ctx); err != nil {
			return err
		}
		if peer, ok = s.peers[destination]; !ok {
			return fmt.Errorf("%w: unknown peer %d", protocol.ErrPermanent, destination)
		}
	}
	_, err := s.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  text,
		RandomID: randomID(),
	})
	return mapError(err)
}

func (s *conn) Export(ctx context.Context) ([]byte, error) {
	data, err := s.store.LoadSession(ctx)
	if errors.Is(err, session.ErrNotFound) {
		return nil, protocol.Transient(errors.New("mtproto: session not established"))
	}
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

func (s *conn) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

func randomID() int64 {
	for {
		if v := rand.Int64(); v != 0 {
			return v
		}
	}
}
