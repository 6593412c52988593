package notify

import (
	"strings"
	"time"
)

// Channel is a delivery medium.
type Channel string

const (
	ChannelChat  Channel = "chat"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Channels lists every known channel in the default fallback order.
var Channels = []Channel{ChannelChat, ChannelEmail, ChannelSMS}

// DefaultPriority is the order used when a send names no channels.
func DefaultPriority() []Channel {
	return append([]Channel(nil), Channels...)
}

func (c Channel) Valid() bool {
	switch c {
	case ChannelChat, ChannelEmail, ChannelSMS:
		return true
	}
	return false
}

// ParseChannel maps a channel name to a Channel. "telegram" is accepted for
// chat. Unknown names return false.
func ParseChannel(s string) (Channel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "chat", "telegram":
		return ChannelChat, true
	case "email":
		return ChannelEmail, true
	case "sms":
		return ChannelSMS, true
	}
	return "", false
}

// ParsePriority parses a list of names. Unknown names are kept as-is so the
// dispatcher can skip them in place.
func ParsePriority(names []string) []Channel {
	if len(names) == 0 {
		return nil
	}
	out := make([]Channel, 0, len(names))
	for _, n := range names {
		if ch, ok := ParseChannel(n); ok {
			out = append(out, ch)
			continue
		}
		out = append(out, Channel(strings.TrimSpace(n)))
	}
	return out
}

// Status is the lifecycle state of one attempt record.
//
//	pending -> sent -> delivered -> read
//	pending -> failed
//	sent -> read
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusRead      Status = "read"
)

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	switch to {
	case StatusSent, StatusFailed:
		return from == StatusPending
	case StatusDelivered:
		return from == StatusSent
	case StatusRead:
		return from == StatusSent || from == StatusDelivered
	}
	return false
}

// Notification is one attempt record: one channel tried for one send.
type Notification struct {
	ID               string
	UserID           int64
	Message          string
	Channel          Channel
	Status           Status
	ProviderMetadata map[string]string
	CreatedAt        time.Time
	SentAt           *time.Time
}

// Metadata keys written by the dispatcher.
const (
	MetaChannel   = "channel"
	MetaRecipient = "recipient"
	MetaError     = "error"
)

// Failure reasons recorded under MetaError. Provider errors are stored as
// their error text.
const (
	ReasonNoRecipient   = "no recipient"
	ReasonNotConfigured = "provider not configured"
	ReasonTimeout       = "provider timeout"
	ReasonAbandoned     = "abandoned"
)

// User is the read-only view of a recipient.
type User struct {
	ID                int64
	Username          string
	ChatID            string
	Phone             string
	NotificationEmail string
	Email             string
	IsAdmin           bool
}

// Options are per-channel delivery options. Providers read the keys they know.
//
// Known keys: chat "parse_mode", "disable_web_page_preview"; email "subject",
// "from_email", "html_message"; sms "from_phone".
type Options map[string]string

func (o Options) Get(key, def string) string {
	if v, ok := o[key]; ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

// Bool reads a boolean option. Unknown values return def.
func (o Options) Bool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(o[key])) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

// SendRequest carries the per-call parameters of a send.
type SendRequest struct {
	// Priority is the ordered fallback list. Empty uses the dispatcher default.
	Priority []Channel
	// Timeout overrides the per-channel attempt timeout for this call.
	Timeout time.Duration
	// Channels holds options per channel.
	Channels map[Channel]Options
}

func (r SendRequest) Options(ch Channel) Options {
	if r.Channels == nil {
		return nil
	}
	return r.Channels[ch]
}
