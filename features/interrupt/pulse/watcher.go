package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/agentstate/features/interrupt/pulse/clients/pulse"
	"goa.design/agentstate/runtime/telemetry"
)

type (
	// WatcherOptions configures a Watcher.
	WatcherOptions struct {
		// Client opens the stream. Required.
		Client clientspulse.Client
		// Stream names the stream. Defaults to DefaultStream.
		Stream string
		// Instance names this process. Required: a consumer group delivers
		// each event to a single member, so every instance reads through its
		// own sink to see every notice.
		Instance string
		// Buffer is the notice channel capacity. Defaults to 16.
		Buffer int
		// Logger receives malformed events and ack failures.
		Logger telemetry.Logger
	}

	// Watcher consumes interrupt notices.
	Watcher struct {
		client   clientspulse.Client
		stream   string
		sinkName string
		buffer   int
		logger   telemetry.Logger
	}
)

// NewWatcher returns a Watcher for opts.Instance.
func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.Instance == "" {
		return nil, errors.New("instance is required")
	}
	stream := opts.Stream
	if stream == "" {
		stream = DefaultStream
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 16
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Watcher{
		client:   opts.Client,
		stream:   stream,
		sinkName: "agentstate_interrupts_" + opts.Instance,
		buffer:   buffer,
		logger:   logger,
	}, nil
}

// SinkName returns the consumer group this watcher reads through.
func (w *Watcher) SinkName() string { return w.sinkName }

// Watch opens the sink and returns a channel of notices. The channel closes
// when ctx ends, the sink stops, or the returned cancel function is called.
// Malformed events are logged, acknowledged and skipped.
//
//	notices, cancel, err := w.Watch(ctx)
//	if err != nil {
//		return err
//	}
//	defer cancel()
//	for n := range notices {
//		// wake the loop processing n.SessionID
//	}
func (w *Watcher) Watch(ctx context.Context, opts ...streamopts.Sink) (<-chan Notice, context.CancelFunc, error) {
	str, err := w.client.Stream(w.stream)
	if err != nil {
		return nil, nil, err
	}
	sink, err := str.NewSink(ctx, w.sinkName, opts...)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan Notice, w.buffer)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.consume(runCtx, sink, out)
	}()
	stop := func() {
		cancel()
		<-done
		sink.Close(context.Background())
	}
	return out, stop, nil
}

func (w *Watcher) consume(ctx context.Context, sink clientspulse.Sink, out chan<- Notice) {
	defer close(out)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			notice, err := decodeNotice(evt.EventName, evt.Payload)
			if err != nil {
				w.logger.Warn(ctx, "skipping interrupt event", "event_id", evt.ID, "err", err)
			} else {
				select {
				case out <- notice:
				case <-ctx.Done():
					return
				}
			}
			if err := sink.Ack(ctx, evt); err != nil {
				w.logger.Warn(ctx, "interrupt event not acknowledged", "event_id", evt.ID, "err", err)
			}
		}
	}
}

func decodeNotice(name string, payload []byte) (Notice, error) {
	if name != EventInterrupt {
		return Notice{}, fmt.Errorf("unexpected event %q", name)
	}
	var n Notice
	if err := json.Unmarshal(payload, &n); err != nil {
		return Notice{}, fmt.Errorf("decode interrupt notice: %w", err)
	}
	if n.SessionID == "" {
		return Notice{}, errors.New("interrupt notice without session id")
	}
	return n, nil
}
