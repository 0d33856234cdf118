// Package bot maps chat updates from the controlling bot onto linking,
// broadcast and owner settings operations. The chat user is the Owner.
package bot

import (
	"context"
	"strings"
	"sync"
	"time"

	"adcaster/internal/broadcast"
	"adcaster/internal/credential"
	"adcaster/internal/linking"
	"adcaster/internal/owner"
	"adcaster/internal/stats"
	"adcaster/internal/transport"
	"adcaster/pkg/logx"
)

// Messenger is the part of transport.Adapter the router replies through.
type Messenger interface {
	transport.Sender
	EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

type Deps struct {
	Chat        Messenger
	Linking     *linking.Machine
	Broadcast   *broadcast.Orchestrator
	Settings    *owner.Repo
	Credentials *credential.Store
	Stats       *stats.Recorder
	Log         logx.Logger
}

type Config struct {
	// AllowedUsers restricts who may use the bot; empty allows everyone.
	AllowedUsers []int64
	// Admins additionally see global totals in /stats.
	Admins  []int64
	Timeout time.Duration
}

type Request struct {
	Owner    int64
	Chat     transport.ChatTarget
	Command  string
	Args     string
	Callback *transport.Callback
}

// input is a follow-up the router expects as the next plain text message.
type input int

const (
	inputNone input = iota
	inputPhone
	inputMessage
)

type Router struct {
	cfg     Config
	d       Deps
	log     logx.Logger
	allowed map[int64]bool
	admins  map[int64]bool

	commands map[string]command
	handle   HandlerFunc

	mu      sync.Mutex
	pending map[int64]input
}

type command struct {
	Description string
	Run         HandlerFunc
}

func New(cfg Config, d Deps) *Router {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	r := &Router{
		cfg:     cfg,
		d:       d,
		log:     d.Log.With(logx.String("comp", "bot")),
		allowed: set(cfg.AllowedUsers),
		admins:  set(cfg.Admins),
		pending: map[int64]input{},
	}
	r.commands = r.routes()
	r.handle = Chain(r.dispatch, WithRecover(r.log), WithRequestLog(r.log), WithTimeout(cfg.Timeout))
	return r
}

func set(ids []int64) map[int64]bool {
	m := make(map[int64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// Commands lists the menu entries, sorted as registered.
func (r *Router) Commands() []transport.BotCommand {
	out := make([]transport.BotCommand, 0, len(commandOrder))
	for _, name := range commandOrder {
		out = append(out, transport.BotCommand{Command: name, Description: r.commands[name].Description})
	}
	return out
}

// Run consumes updates until ctx ends or the channel closes. Each update is
// handled on its own goroutine; operations serialize per owner further down.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	if mu, ok := r.d.Chat.(transport.CommandMenuUpdater); ok {
		if err := mu.UpdateMenuCommands(ctx, r.Commands()); err != nil {
			r.log.Warn("update menu commands", logx.Err(err))
		}
	}
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			req := r.request(up)
			if req == nil {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = r.Handle(ctx, req)
			}()
		}
	}
}

func (r *Router) request(up transport.Update) *Request {
	switch up.Kind {
	case transport.UpdateMessage:
		m := up.Message
		if m == nil || !m.Private {
			return nil
		}
		req := &Request{Owner: m.FromID, Chat: transport.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}}
		text := strings.TrimSpace(m.Text)
		if strings.HasPrefix(text, "/") {
			name, args, _ := strings.Cut(text[1:], " ")
			name, _, _ = strings.Cut(name, "@")
			req.Command, req.Args = strings.ToLower(name), strings.TrimSpace(args)
		} else {
			req.Args = text
		}
		return req
	case transport.UpdateCallback:
		cb := up.Callback
		if cb == nil {
			return nil
		}
		return &Request{Owner: cb.FromID, Chat: transport.ChatTarget{ChatID: cb.ChatID}, Command: "callback", Args: cb.Data, Callback: cb}
	}
	return nil
}

// Handle runs one request through the middleware chain.
func (r *Router) Handle(ctx context.Context, req *Request) error {
	return r.handle(ctx, req)
}

func (r *Router) dispatch(ctx context.Context, req *Request) error {
	if len(r.allowed) > 0 && !r.allowed[req.Owner] {
		if req.Callback != nil {
			return r.d.Chat.AnswerCallback(ctx, req.Callback.ID, "not allowed")
		}
		return r.reply(ctx, req, "You are not allowed to use this bot.")
	}
	if req.Callback != nil {
		return r.onCallback(ctx, req)
	}
	if req.Command == "" {
		return r.onText(ctx, req)
	}
	r.expect(req.Owner, inputNone)
	c, ok := r.commands[req.Command]
	if !ok {
		return r.reply(ctx, req, "Unknown command. "+r.help())
	}
	return c.Run(ctx, req)
}

func (r *Router) expect(owner int64, in input) {
	r.mu.Lock()
	if in == inputNone {
		delete(r.pending, owner)
	} else {
		r.pending[owner] = in
	}
	r.mu.Unlock()
}

func (r *Router) take(owner int64) input {
	r.mu.Lock()
	defer r.mu.Unlock()
	in := r.pending[owner]
	delete(r.pending, owner)
	return in
}

func (r *Router) reply(ctx context.Context, req *Request, text string) error {
	_, err := r.d.Chat.SendText(ctx, req.Chat, text, nil)
	return err
}

func (r *Router) replyKeyboard(ctx context.Context, req *Request, text string, kb transport.Keyboard) error {
	_, err := r.d.Chat.SendText(ctx, req.Chat, text, &transport.SendOptions{Keyboard: kb})
	return err
}
