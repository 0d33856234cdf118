package mtproto

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"adcaster/internal/protocol"
	"adcaster/pkg/logx"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want protocol.Class
		is   error
	}{
		{"nil", nil, protocol.ClassOK, nil},
		{"flood", tgerr.New(420, "FLOOD_WAIT_30"), protocol.ClassRateLimited, nil},
		{"slowmode", fmt.Errorf("send: %w", tgerr.New(420, "SLOWMODE_WAIT_12")), protocol.ClassRateLimited, nil},
		{"revoked", tgerr.New(401, "SESSION_REVOKED"), protocol.ClassUnauthorized, protocol.ErrUnauthorized},
		{"unregistered", tgerr.New(401, "AUTH_KEY_UNREGISTERED"), protocol.ClassUnauthorized, protocol.ErrUnauthorized},
		{"bad code", tgerr.New(400, "PHONE_CODE_INVALID"), protocol.ClassPermanent, protocol.ErrInvalidCode},
		{"expired", tgerr.New(400, "PHONE_CODE_EXPIRED"), protocol.ClassPermanent, protocol.ErrCodeExpired},
		{"2fa", auth.ErrPasswordAuthNeeded, protocol.ClassPermanent, protocol.ErrPasswordRequired},
		{"2fa rpc", tgerr.New(401, "SESSION_PASSWORD_NEEDED"), protocol.ClassPermanent, protocol.ErrPasswordRequired},
		{"bad password", tgerr.New(400, "PASSWORD_HASH_INVALID"), protocol.ClassPermanent, protocol.ErrInvalidPassword},
		{"write forbidden", tgerr.New(403, "CHAT_WRITE_FORBIDDEN"), protocol.ClassPermanent, protocol.ErrPermanent},
		{"server", tgerr.New(500, "INTERNAL"), protocol.ClassTransient, protocol.ErrTransient},
		{"network", errors.New("read tcp: connection reset"), protocol.ClassTransient, protocol.ErrTransient},
		{"deadline", context.DeadlineExceeded, protocol.ClassTransient, context.DeadlineExceeded},
	}
	for _, tc := range cases {
		got := mapError(tc.err)
		if c := protocol.Classify(got); c != tc.want {
			t.Fatalf("%s: class=%s want %s (%v)", tc.name, c, tc.want, got)
		}
		if tc.is != nil && !errors.Is(got, tc.is) {
			t.Fatalf("%s: %v is not %v", tc.name, got, tc.is)
		}
	}
}

func TestMapErrorFloodWait(t *testing.T) {
	d, ok := protocol.RateLimitWait(mapError(tgerr.New(420, "FLOOD_WAIT_30")))
	if !ok || d != 30*time.Second {
		t.Fatalf("wait=%s ok=%v", d, ok)
	}
}

func TestMapErrorPhoneRejected(t *testing.T) {
	var pe *protocol.ProviderError
	if err := mapError(tgerr.New(400, "PHONE_NUMBER_BANNED")); !errors.As(err, &pe) || pe.Code != "PHONE_NUMBER_BANNED" {
		t.Fatalf("got %v", err)
	}
}

func TestReadDialogs(t *testing.T) {
	res := &tg.MessagesDialogs{
		Dialogs: []tg.DialogClass{
			&tg.Dialog{Peer: &tg.PeerChat{ChatID: 11}, TopMessage: 1},
			&tg.Dialog{Peer: &tg.PeerChannel{ChannelID: 22}, TopMessage: 2},
			&tg.Dialog{Peer: &tg.PeerChannel{ChannelID: 33}, TopMessage: 3},
			&tg.Dialog{Peer: &tg.PeerUser{UserID: 44}, TopMessage: 4},
			&tg.Dialog{Peer: &tg.PeerChat{ChatID: 55}, TopMessage: 5},
		},
		Chats: []tg.ChatClass{
			&tg.Chat{ID: 11, Title: "Basic"},
			&tg.Channel{ID: 22, AccessHash: 7, Title: "Super", Megagroup: true},
			&tg.Channel{ID: 33, AccessHash: 8, Title: "News", Broadcast: true},
			&tg.Chat{ID: 55, Title: "Gone", Left: true},
		},
		Users: []tg.UserClass{&tg.User{ID: 44, AccessHash: 9, FirstName: "Ann", LastName: "Lee"}},
	}
	p, ok := readDialogs(res)
	if !ok {
		t.Fatalf("page not read")
	}
	if p.more || p.next != nil {
		t.Fatalf("full list should not page")
	}
	want := []protocol.Destination{
		{ID: -11, Title: "Basic", Kind: protocol.KindGroup},
		{ID: -1_000_000_000_022, Title: "Super", Kind: protocol.KindGroup},
		{ID: -1_000_000_000_033, Title: "News", Kind: protocol.KindChannel},
		{ID: 44, Title: "Ann Lee", Kind: protocol.KindUser},
	}
	if len(p.dests) != len(want) {
		t.Fatalf("dests=%+v", p.dests)
	}
	for i := range want {
		if p.dests[i] != want[i] {
			t.Fatalf("dest %d = %+v want %+v", i, p.dests[i], want[i])
		}
	}
	in, ok := p.peers[-1_000_000_000_022].(*tg.InputPeerChannel)
	if !ok || in.ChannelID != 22 || in.AccessHash != 7 {
		t.Fatalf("channel peer = %#v", p.peers[-1_000_000_000_022])
	}
	if _, ok := p.peers[-55]; !ok {
		t.Fatalf("left chat should still resolve as a peer")
	}
}

func TestReadDialogsNextPage(t *testing.T) {
	dialogs := make([]tg.DialogClass, 0, dialogPage)
	chats := make([]tg.ChatClass, 0, dialogPage)
	messages := make([]tg.MessageClass, 0, dialogPage)
	for i := 1; i <= dialogPage; i++ {
		dialogs = append(dialogs, &tg.Dialog{Peer: &tg.PeerChat{ChatID: int64(i)}, TopMessage: i})
		chats = append(chats, &tg.Chat{ID: int64(i), Title: "g"})
		messages = append(messages, &tg.Message{ID: i, Date: 1000 + i})
	}
	p, ok := readDialogs(&tg.MessagesDialogsSlice{Count: 250, Dialogs: dialogs, Chats: chats, Messages: messages})
	if !ok || !p.more || p.next == nil {
		t.Fatalf("expected another page: %+v", p.next)
	}
	if p.next.OffsetID != dialogPage || p.next.OffsetDate != 1000+dialogPage {
		t.Fatalf("offsets = %d/%d", p.next.OffsetID, p.next.OffsetDate)
	}
	if peer, ok := p.next.OffsetPeer.(*tg.InputPeerChat); !ok || peer.ChatID != dialogPage {
		t.Fatalf("offset peer = %#v", p.next.OffsetPeer)
	}
	if _, ok := readDialogs(&tg.MessagesDialogsNotModified{Count: 1}); ok {
		t.Fatalf("not-modified should end paging")
	}
}

func TestNewRequiresAppCredentials(t *testing.T) {
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatalf("missing app id accepted")
	}
	if _, err := New(Config{AppID: 1, AppHash: "h"}, logx.Nop()); err != nil {
		t.Fatalf("New: %v", err)
	}
}
