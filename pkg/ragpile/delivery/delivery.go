// Package delivery drains outbound envelopes from the bus and pushes
// them to a messaging channel. One worker runs per connected channel;
// each worker owns its bus registration, so a message put on the bus
// reaches every connected platform independently.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ragpile/ragpile/pkg/ragpile/bus"
	"github.com/ragpile/ragpile/pkg/ragpile/channels"
	"github.com/ragpile/ragpile/pkg/ragpile/format"
	"github.com/ragpile/ragpile/pkg/ragpile/store"
)

// Worker moves envelopes from the bus to one channel.
type Worker struct {
	bus   *bus.Bus
	store store.Store
	ch    channels.Channel
	log   *slog.Logger
}

// NewWorker creates a delivery worker for ch and registers the channel's
// name on the bus. A second worker for the same name is a wiring bug and
// fails here rather than silently sharing the queue.
func NewWorker(b *bus.Bus, st store.Store, ch channels.Channel, log *slog.Logger) (*Worker, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := b.Register(ch.Name()); err != nil {
		return nil, fmt.Errorf("register delivery channel: %w", err)
	}
	return &Worker{
		bus:   b,
		store: st,
		ch:    ch,
		log:   log.With("component", "delivery", "channel", ch.Name()),
	}, nil
}

// Run consumes envelopes until the bus shuts down or ctx is cancelled.
// A failed delivery is logged and the envelope dropped; one bad send
// must not wedge the queue behind it.
func (w *Worker) Run(ctx context.Context) error {
	for {
		env, err := w.bus.Get(ctx, w.ch.Name())
		if err != nil {
			if errors.Is(err, bus.ErrShutdown) {
				return nil
			}
			return err
		}
		if err := w.deliver(ctx, env); err != nil {
			w.log.Error("delivery failed", "user", env.UserID, "error", err)
		}
	}
}

// deliver sends one envelope to its user's chat on this channel.
func (w *Worker) deliver(ctx context.Context, env bus.Envelope) error {
	// Tool traffic is internal plumbing, never shown to the user.
	if env.Payload.Role == bus.RoleTool || env.Payload.Kind == bus.KindTool {
		return nil
	}
	if strings.TrimSpace(env.Payload.Content) == "" {
		return nil
	}

	user, err := w.store.GetUser(ctx, env.UserID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	chatID := user.Integrations.Get(w.ch.Name(), "chat_id")
	if chatID == "" {
		// The user never opened a conversation on this platform.
		w.log.Debug("no chat handle, skipping", "user", env.UserID)
		return nil
	}

	for _, chunk := range w.render(env.Payload.Content) {
		if err := w.ch.Send(ctx, chatID, &channels.OutgoingMessage{Content: chunk}); err != nil {
			return fmt.Errorf("send chunk: %w", err)
		}
	}
	return nil
}

// render converts the text for the channel's markup and splits it to
// fit the platform's message limit. For HTML channels each chunk is
// rebalanced so a tag pair cut in half by the split cannot leak a
// dangling tag into the wire format.
func (w *Worker) render(text string) []string {
	limit := w.ch.MaxMessageLen()

	if w.ch.Markup() != channels.MarkupHTML {
		return format.Chunks(text, limit)
	}

	html := format.Balance(format.ToTelegramHTML(text))
	var out []string
	for chunk := range format.Chunk(html, limit) {
		out = append(out, format.Balance(chunk))
	}
	return out
}
