package notify

import "strings"

// Resolve returns the address of user on channel, or false when the user has
// none. It has no side effects.
func Resolve(user *User, ch Channel) (string, bool) {
	if user == nil {
		return "", false
	}
	switch ch {
	case ChannelChat:
		id := strings.TrimSpace(user.ChatID)
		return id, id != ""
	case ChannelSMS:
		phone := strings.TrimLeft(strings.TrimSpace(user.Phone), "+")
		if phone == "" || phone[0] < '0' || phone[0] > '9' {
			return "", false
		}
		return phone, true
	case ChannelEmail:
		if e := strings.TrimSpace(user.NotificationEmail); e != "" {
			return e, true
		}
		if e := strings.TrimSpace(user.Email); e != "" {
			return e, true
		}
	}
	return "", false
}
