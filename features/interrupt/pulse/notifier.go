// Package pulse pushes interrupt requests over a Pulse stream so the instance
// processing a session can react before its next poll.
//
// Notifications are advisory. The cache marker written by the interrupt
// channel remains the source of truth and delivery may duplicate or drop
// events.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientspulse "goa.design/agentstate/features/interrupt/pulse/clients/pulse"
	"goa.design/agentstate/runtime/interrupt"
)

const (
	// EventInterrupt names interrupt events on the stream.
	EventInterrupt = "interrupt"
	// DefaultStream is the stream name used when none is configured.
	DefaultStream = "agentstate/interrupts"
)

type (
	// Notice is the payload of an interrupt event.
	Notice struct {
		SessionID   string    `json:"session_id"`
		RequestedAt time.Time `json:"requested_at"`
		// Origin names the instance that requested the interrupt.
		Origin string `json:"origin,omitempty"`
	}

	// NotifierOptions configures a Notifier.
	NotifierOptions struct {
		// Client opens the stream. Required.
		Client clientspulse.Client
		// Stream names the stream. Defaults to DefaultStream.
		Stream string
		// Origin is recorded in every notice.
		Origin string
	}

	// Notifier publishes interrupt notices.
	Notifier struct {
		stream clientspulse.Stream
		origin string
		now    func() time.Time
	}
)

var _ interrupt.Notifier = (*Notifier)(nil)

// NewNotifier opens the stream and returns a Notifier publishing to it.
func NewNotifier(opts NotifierOptions) (*Notifier, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.Stream
	if name == "" {
		name = DefaultStream
	}
	str, err := opts.Client.Stream(name)
	if err != nil {
		return nil, err
	}
	return &Notifier{stream: str, origin: opts.Origin, now: time.Now}, nil
}

// Notify publishes an interrupt notice for sessionID.
func (n *Notifier) Notify(ctx context.Context, sessionID string) error {
	payload, err := json.Marshal(Notice{
		SessionID:   sessionID,
		RequestedAt: n.now().UTC(),
		Origin:      n.origin,
	})
	if err != nil {
		return err
	}
	if _, err := n.stream.Add(ctx, EventInterrupt, payload); err != nil {
		return fmt.Errorf("notify interrupt %q: %w", sessionID, err)
	}
	return nil
}
