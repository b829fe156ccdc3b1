package notify

import "context"

// Message is a rendered notification ready for a provider.
type Message struct {
	To      string
	Subject string // ignored by SMS providers
	Body    string
}

// Provider delivers a rendered message over one channel. Send returns
// the provider-side message id when available. Errors should carry an
// errs classification; unclassified errors are treated as transient.
type Provider interface {
	Name() string
	Channel() string
	Send(ctx context.Context, msg Message) (string, error)
}
