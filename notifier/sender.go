// Package notifier delivers rendered alerts over the configured channels.
package notifier

import (
	"context"
	"fmt"

	"porsche-tracker/models"
)

// Sender delivers one AlertEvent to one channel target. Send is synchronous:
// a nil error means the transport accepted the message.
type Sender interface {
	// Type returns the channel type the sender handles.
	Type() models.ChannelType
	Send(ctx context.Context, target string, ev models.AlertEvent) error
}

// Router picks the Sender registered for a channel's type.
type Router struct {
	senders map[models.ChannelType]Sender
}

// NewRouter registers senders by their type. A later sender for the same
// type replaces an earlier one.
func NewRouter(senders ...Sender) *Router {
	r := &Router{senders: make(map[models.ChannelType]Sender, len(senders))}
	for _, s := range senders {
		r.senders[s.Type()] = s
	}
	return r
}

// Send delivers ev on ch.
func (r *Router) Send(ctx context.Context, ch models.Channel, ev models.AlertEvent) error {
	s, ok := r.senders[ch.Type]
	if !ok {
		return fmt.Errorf("no sender configured for %s channels", ch.Type)
	}
	return s.Send(ctx, ch.Target, ev)
}

// Types lists the registered channel types.
func (r *Router) Types() []models.ChannelType {
	out := make([]models.ChannelType, 0, len(r.senders))
	for t := range r.senders {
		out = append(out, t)
	}
	return out
}
