// Package provider defines the channel delivery contract and the fixed set of
// providers the dispatcher chooses from.
package provider

import (
	"context"
	"errors"
	"fmt"

	"pewnotify/internal/notify"
)

// Receipt holds provider ids of a successful attempt (message id etc.).
type Receipt map[string]string

// Provider delivers one message to one address over one channel.
//
// Attempt makes exactly one outbound call and never retries. A nil error is
// success; any failure is returned as an error whose text is the reason.
// Attempt must honor ctx cancellation.
type Provider interface {
	Name() notify.Channel
	Configured() bool
	Attempt(ctx context.Context, recipient, message string, opt notify.Options) (Receipt, error)
}

// ErrNotConfigured is returned by providers called without credentials.
var ErrNotConfigured = errors.New("provider not configured")

// Set maps each channel to its provider. It is built once at startup.
type Set map[notify.Channel]Provider

// NewSet indexes providers by Name. Nil providers are ignored; a duplicate
// channel is an error.
func NewSet(ps ...Provider) (Set, error) {
	s := make(Set, len(ps))
	for _, p := range ps {
		if p == nil {
			continue
		}
		ch := p.Name()
		if !ch.Valid() {
			return nil, fmt.Errorf("provider for unknown channel %q", ch)
		}
		if _, dup := s[ch]; dup {
			return nil, fmt.Errorf("duplicate provider for channel %q", ch)
		}
		s[ch] = p
	}
	return s, nil
}

// Lookup returns the provider for ch when it exists and is configured.
func (s Set) Lookup(ch notify.Channel) (Provider, bool) {
	p, ok := s[ch]
	if !ok || p == nil || !p.Configured() {
		return nil, false
	}
	return p, true
}

// Configured lists configured channels in default order.
func (s Set) Configured() []notify.Channel {
	out := make([]notify.Channel, 0, len(s))
	for _, ch := range notify.Channels {
		if _, ok := s.Lookup(ch); ok {
			out = append(out, ch)
		}
	}
	return out
}

// Func adapts a function to Provider. Tests and the operator console use it.
type Func struct {
	Channel notify.Channel
	Ready   bool
	Fn      func(ctx context.Context, recipient, message string, opt notify.Options) (Receipt, error)
}

func (f Func) Name() notify.Channel { return f.Channel }
func (f Func) Configured() bool     { return f.Ready && f.Fn != nil }
func (f Func) Attempt(ctx context.Context, recipient, message string, opt notify.Options) (Receipt, error) {
	if f.Fn == nil {
		return nil, ErrNotConfigured
	}
	return f.Fn(ctx, recipient, message, opt)
}
