package mtproto

import (
	"github.com/gotd/td/tg"

	"adcaster/internal/protocol"
)

const (
	dialogPage     = 100
	maxDialogPages = 20

	// channelShift is the offset Bot API style ids put on channel ids.
	channelShift = 1_000_000_000_000
)

func userID(id int64) int64    { return id }
func chatID(id int64) int64    { return -id }
func channelID(id int64) int64 { return -(channelShift + id) }

func peerID(p tg.PeerClass) (int64, bool) {
	switch v := p.(type) {
	case *tg.PeerUser:
		return userID(v.UserID), true
	case *tg.PeerChat:
		return chatID(v.ChatID), true
	case *tg.PeerChannel:
		return channelID(v.ChannelID), true
	}
	return 0, false
}

type dialogPageResult struct {
	dests []protocol.Destination
	peers map[int64]tg.InputPeerClass
	more  bool
	next  *tg.MessagesGetDialogsRequest
}

// readDialogs flattens one getDialogs page. Chats the account left, lost
// access to, or that were deactivated are skipped.
func readDialogs(res tg.MessagesDialogsClass) (dialogPageResult, bool) {
	var (
		dialogs  []tg.DialogClass
		messages []tg.MessageClass
		chats    []tg.ChatClass
		users    []tg.UserClass
		more     bool
	)
	switch v := res.(type) {
	case *tg.MessagesDialogs:
		dialogs, messages, chats, users = v.Dialogs, v.Messages, v.Chats, v.Users
	case *tg.MessagesDialogsSlice:
		dialogs, messages, chats, users = v.Dialogs, v.Messages, v.Chats, v.Users
		more = len(v.Dialogs) >= dialogPage
	default:
		return dialogPageResult{}, false
	}

	out := dialogPageResult{peers: make(map[int64]tg.InputPeerClass), more: more}
	byID := make(map[int64]protocol.Destination)
	for _, c := range chats {
		switch v := c.(type) {
		case *tg.Chat:
			id := chatID(v.ID)
			out.peers[id] = &tg.InputPeerChat{ChatID: v.ID}
			if !v.Left && !v.Deactivated {
				byID[id] = protocol.Destination{ID: id, Title: v.Title, Kind: protocol.KindGroup}
			}
		case *tg.Channel:
			id := channelID(v.ID)
			out.peers[id] = &tg.InputPeerChannel{ChannelID: v.ID, AccessHash: v.AccessHash}
			if v.Left {
				continue
			}
			kind := protocol.KindChannel
			if v.Megagroup {
				kind = protocol.KindGroup
			}
			byID[id] = protocol.Destination{ID: id, Title: v.Title, Kind: kind}
		}
	}
	for _, u := range users {
		v, ok := u.(*tg.User)
		if !ok {
			continue
		}
		id := userID(v.ID)
		out.peers[id] = &tg.InputPeerUser{UserID: v.ID, AccessHash: v.AccessHash}
		title := v.FirstName
		if v.LastName != "" {
			title += " " + v.LastName
		}
		byID[id] = protocol.Destination{ID: id, Title: title, Kind: protocol.KindUser}
	}

	dates := make(map[int]int, len(messages))
	for _, m := range messages {
		switch v := m.(type) {
		case *tg.Message:
			dates[v.ID] = v.Date
		case *tg.MessageService:
			dates[v.ID] = v.Date
		}
	}

	var last *tg.Dialog
	for _, d := range dialogs {
		v, ok := d.(*tg.Dialog)
		if !ok {
			continue
		}
		last = v
		id, ok := peerID(v.Peer)
		if !ok {
			continue
		}
		if dest, ok := byID[id]; ok {
			out.dests = append(out.dests, dest)
		}
	}

	if more && last != nil {
		id, _ := peerID(last.Peer)
		if in, ok := out.peers[id]; ok {
			out.next = &tg.MessagesGetDialogsRequest{
				OffsetDate: dates[last.TopMessage],
				OffsetID:   last.TopMessage,
				OffsetPeer: in,
				Limit:      dialogPage,
			}
		}
	}
	return out, true
}
