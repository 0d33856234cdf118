package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"adcaster/internal/broadcast"
	"adcaster/internal/clock"
	"adcaster/internal/credential"
	"adcaster/internal/linking"
	"adcaster/internal/owner"
	"adcaster/internal/protocol"
	"adcaster/internal/protocol/protocoltest"
	"adcaster/internal/retry"
	"adcaster/internal/stats"
	"adcaster/internal/storage"
	"adcaster/internal/transport"
	"adcaster/pkg/logx"
)

type sent struct {
	chat int64
	text string
	kb   transport.Keyboard
	edit bool
}

type fakeChat struct {
	mu      sync.Mutex
	out     []sent
	answers int
	menu    []transport.BotCommand
}

func (f *fakeChat) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := sent{chat: to.ChatID, text: text}
	if opt != nil {
		s.kb = opt.Keyboard
	}
	f.out = append(f.out, s)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.out)}, nil
}

func (f *fakeChat) EditText(_ context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := sent{chat: ref.ChatID, text: text, edit: true}
	if opt != nil {
		s.kb = opt.Keyboard
	}
	f.out = append(f.out, s)
	return nil
}

func (f *fakeChat) AnswerCallback(context.Context, string, string) error {
	f.mu.Lock()
	f.answers++
	f.mu.Unlock()
	return nil
}

func (f *fakeChat) UpdateMenuCommands(_ context.Context, cmds []transport.BotCommand) error {
	f.mu.Lock()
	f.menu = cmds
	f.mu.Unlock()
	return nil
}

func (f *fakeChat) last() sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.out) == 0 {
		return sent{}
	}
	return f.out[len(f.out)-1]
}

const (
	user  = int64(42)
	phone = "+15551234567"
)

type env struct {
	r     *Router
	chat  *fakeChat
	net   *protocoltest.Network
	creds *credential.Store
	jobs  *broadcast.Orchestrator
}

func newEnv(t *testing.T, cfg Config, accounts ...protocoltest.Account) *env {
	t.Helper()
	sk, _, err := credential.GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	vault, err := credential.NewVault(sk)
	if err != nil {
		t.Fatal(err)
	}
	db := storage.NewMemory()
	fc := clock.NewFake(time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC))
	net := protocoltest.NewNetwork(accounts...)
	creds := credential.NewStore(db, vault, credential.Options{MaxAccounts: 5, Clock: fc})
	settings := owner.NewRepo(db, owner.Limits{DefaultDelay: 30 * time.Second, MinDelay: 10 * time.Second, MaxDelay: time.Hour}, fc)
	st := stats.NewRecorder(db, logx.Nop())
	link := linking.New(linking.Config{CodeLength: 5, Retry: retry.Policy{MaxAttempts: 1}}, linking.Deps{
		Store: db, Credentials: creds, Dialer: net, Clock: fc,
	})
	jobs := broadcast.New(broadcast.Config{}, broadcast.Deps{
		Store: db, Credentials: creds, Settings: settings, Dialer: net, Stats: st, Clock: fc,
	})
	chat := &fakeChat{}
	t.Cleanup(func() {
		jobs.Shutdown(context.Background())
		link.Close()
	})
	r := New(cfg, Deps{Chat: chat, Linking: link, Broadcast: jobs, Settings: settings, Credentials: creds, Stats: st})
	return &env{r: r, chat: chat, net: net, creds: creds, jobs: jobs}
}

func (e *env) text(t *testing.T, text string) sent {
	t.Helper()
	up := transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{ChatID: user, FromID: user, Text: text, Private: true}}
	req := e.r.request(up)
	if req == nil {
		t.Fatalf("update %q ignored", text)
	}
	if err := e.r.Handle(context.Background(), req); err != nil {
		t.Fatalf("%q: %v", text, err)
	}
	return e.chat.last()
}

func (e *env) press(t *testing.T, data string) sent {
	t.Helper()
	req := e.r.request(transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{ID: "cb", FromID: user, ChatID: user, MessageID: 1, Data: data}})
	if err := e.r.Handle(context.Background(), req); err != nil {
		t.Fatalf("press %q: %v", data, err)
	}
	return e.chat.last()
}

func TestLinkWithKeypad(t *testing.T) {
	e := newEnv(t, Config{}, protocoltest.Account{Phone: phone, Code: "12345", Groups: []protocol.Destination{{ID: -1, Kind: protocol.KindGroup}}})

	got := e.text(t, "/link +1 (555) 123-4567")
	if !strings.Contains(got.text, "Code sent") || len(got.kb) != 4 {
		t.Fatalf("expected keypad, got %+v", got)
	}
	for _, d := range "1234" {
		got = e.press(t, cbDigit+string(d))
	}
	if !got.edit || !strings.Contains(got.text, "●●●●○") {
		t.Fatalf("keypad not updated: %+v", got)
	}
	got = e.press(t, cbBack)
	if !strings.Contains(got.text, "●●●○○") {
		t.Fatalf("back not applied: %q", got.text)
	}
	e.press(t, cbDigit+"4")
	got = e.press(t, cbDigit+"5")
	if !strings.Contains(got.text, "linked") || got.kb != nil {
		t.Fatalf("expected linked, got %+v", got)
	}
	if n, _ := e.creds.CountActive(context.Background(), user); n != 1 {
		t.Fatalf("active accounts: %d", n)
	}
	if got := e.text(t, "/accounts"); !strings.Contains(got.text, "+15*") || !strings.Contains(got.text, "67 (active") {
		t.Fatalf("accounts: %q", got.text)
	}
}

func TestLinkFollowUpPhoneAndTypedCode(t *testing.T) {
	e := newEnv(t, Config{}, protocoltest.Account{Phone: phone, Code: "54321", Password: "pw"})
	if got := e.text(t, "/link"); !strings.Contains(got.text, "phone number") {
		t.Fatalf("prompt: %q", got.text)
	}
	e.text(t, phone)
	if got := e.text(t, "54321"); !strings.Contains(got.text, "two-step") {
		t.Fatalf("expected password prompt, got %q", got.text)
	}
	if got := e.text(t, "nope"); !strings.Contains(got.text, "Wrong password") {
		t.Fatalf("wrong password: %q", got.text)
	}
	if got := e.text(t, "pw"); !strings.Contains(got.text, "linked") {
		t.Fatalf("expected linked, got %q", got.text)
	}
}

func TestLinkErrors(t *testing.T) {
	e := newEnv(t, Config{}, protocoltest.Account{Phone: phone, Code: "12345"})
	if got := e.text(t, "/link 12"); !strings.Contains(got.text, "international format") {
		t.Fatalf("invalid phone: %q", got.text)
	}
	if got := e.press(t, cbDigit+"1"); !strings.Contains(got.text, "No linking in progress") {
		t.Fatalf("digit without flow: %q", got.text)
	}
	e.text(t, "/link "+phone)
	if got := e.press(t, cbCancel); got.text != "Linking cancelled." || got.kb != nil {
		t.Fatalf("cancel: %+v", got)
	}
	e.net.Reject("+15550000000", "PHONE_NUMBER_BANNED")
	if got := e.text(t, "/link +15550000000"); !strings.Contains(got.text, "PHONE_NUMBER_BANNED") {
		t.Fatalf("provider reason not surfaced: %q", got.text)
	}
}

func TestBroadcastCommands(t *testing.T) {
	e := newEnv(t, Config{}, protocoltest.Account{Phone: phone, Code: "12345", Groups: []protocol.Destination{{ID: -1, Kind: protocol.KindGroup}}})
	if got := e.text(t, "/startad"); !strings.Contains(got.text, "/setmsg") {
		t.Fatalf("no message: %q", got.text)
	}
	e.text(t, "/setmsg")
	if got := e.text(t, "Best deals today"); got.text != "Message saved." {
		t.Fatalf("set message: %q", got.text)
	}
	if got := e.text(t, "/startad"); !strings.Contains(got.text, "/link") {
		t.Fatalf("no accounts: %q", got.text)
	}
	if _, err := e.creds.Put(context.Background(), user, phone, []byte("auth:"+phone)); err != nil {
		t.Fatal(err)
	}
	if got := e.text(t, "/setdelay 5s"); !strings.Contains(got.text, "out of range") {
		t.Fatalf("delay range: %q", got.text)
	}
	if got := e.text(t, "/setdelay 90"); got.text != "Cycle delay set to 1m30s." {
		t.Fatalf("delay: %q", got.text)
	}
	if got := e.text(t, "/startad"); !strings.Contains(got.text, "started") {
		t.Fatalf("start: %q", got.text)
	}
	if got := e.text(t, "/startad"); !strings.Contains(got.text, "already running") {
		t.Fatalf("double start: %q", got.text)
	}
	if got := e.text(t, "/status"); !strings.Contains(got.text, "Running") {
		t.Fatalf("status: %q", got.text)
	}
	if got := e.text(t, "/stopad"); !strings.Contains(got.text, "stopped") {
		t.Fatalf("stop: %q", got.text)
	}
	if got := e.text(t, "/stopad"); !strings.Contains(got.text, "No broadcast") {
		t.Fatalf("second stop: %q", got.text)
	}
}

func TestGroupFilterCommands(t *testing.T) {
	e := newEnv(t, Config{})
	if got := e.text(t, "/groups"); !strings.Contains(got.text, "every group") {
		t.Fatalf("default filter: %q", got.text)
	}
	if got := e.text(t, "/addgroup -100123"); !strings.Contains(got.text, "-100123") {
		t.Fatalf("add: %q", got.text)
	}
	if got := e.text(t, "/delgroup -100123"); !strings.Contains(got.text, "nothing will be sent") {
		t.Fatalf("removing the last group: %q", got.text)
	}
	if got := e.text(t, "/allgroups"); !strings.Contains(got.text, "every group") {
		t.Fatalf("clear: %q", got.text)
	}
	if got := e.text(t, "/addgroup x"); !strings.HasPrefix(got.text, "Usage") {
		t.Fatalf("bad id: %q", got.text)
	}
}

func TestAccessControl(t *testing.T) {
	e := newEnv(t, Config{AllowedUsers: []int64{7}})
	if got := e.text(t, "/status"); !strings.Contains(got.text, "not allowed") {
		t.Fatalf("expected rejection, got %q", got.text)
	}
}

func TestRequestParsing(t *testing.T) {
	r := New(Config{}, Deps{Chat: &fakeChat{}})
	req := r.request(transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{FromID: 1, Text: "/SetMsg@adbot  hello world ", Private: true}})
	if req.Command != "setmsg" || req.Args != "hello world" {
		t.Fatalf("parsed %+v", req)
	}
	if r.request(transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{Text: "/start"}}) != nil {
		t.Fatalf("group messages must be ignored")
	}
}

func TestRunPublishesMenuAndHandles(t *testing.T) {
	e := newEnv(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan transport.Update, 1)
	done := make(chan error, 1)
	go func() { done <- e.r.Run(ctx, updates) }()

	updates <- transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{ChatID: user, FromID: user, Text: "/help", Private: true}}
	deadline := time.After(5 * time.Second)
	for !strings.HasPrefix(e.chat.last().text, "Commands:") {
		select {
		case <-deadline:
			t.Fatalf("update not handled")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	e.chat.mu.Lock()
	defer e.chat.mu.Unlock()
	if len(e.chat.menu) != len(commandOrder) {
		t.Fatalf("menu has %d entries", len(e.chat.menu))
	}
}
