package bot

import (
	"fmt"
	"strings"

	"adcaster/internal/linking"
	"adcaster/internal/transport"
)

const (
	cbDigit  = "otp:"
	cbBack   = "otp:back"
	cbCancel = "otp:cancel"
)

// keypad is the inline digit pad shown while a code is being entered.
func keypad() transport.Keyboard {
	row := func(ds ...string) []transport.Button {
		out := make([]transport.Button, 0, len(ds))
		for _, d := range ds {
			out = append(out, transport.Button{Text: d, Data: cbDigit + d})
		}
		return out
	}
	return transport.Keyboard{
		row("1", "2", "3"),
		row("4", "5", "6"),
		row("7", "8", "9"),
		{
			{Text: "⬅️", Data: cbBack},
			{Text: "0", Data: cbDigit + "0"},
			{Text: "✖️", Data: cbCancel},
		},
	}
}

func codeMask(st linking.Status) string {
	n := max(st.CodeLength-st.Digits, 0)
	return strings.Repeat("●", st.Digits) + strings.Repeat("○", n)
}

// renderLink describes st and returns the keyboard to attach, if any.
func renderLink(st linking.Status) (string, transport.Keyboard) {
	switch st.State {
	case linking.StateAwaitingCode:
		prefix := ""
		if st.Reason != "" {
			prefix = "❌ Wrong code, try again.\n"
		}
		return fmt.Sprintf("%s📨 Code sent to %s.\nEnter it with the keypad:\n\n%s", prefix, st.Phone, codeMask(st)), keypad()
	case linking.StateAwaitingPassword:
		return fmt.Sprintf("🔐 %s has two-step verification. Send the password as a message.", st.Phone), nil
	case linking.StateLinked:
		phone := st.Phone
		if st.Account != nil {
			phone = st.Account.MaskedPhone()
		}
		return fmt.Sprintf("✅ Account %s linked.", phone), nil
	case linking.StateFailed:
		return "❌ Linking failed: " + st.Reason + "\nStart again with /link.", nil
	case linking.StateExpired:
		return "⌛ The linking attempt expired. Start again with /link.", nil
	default:
		return "No linking in progress. Use /link <phone>.", nil
	}
}
